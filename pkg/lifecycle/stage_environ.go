package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
)

// NewEnvironStage composes the kernel's environment from agent info,
// image-derived base environ, user-supplied environ, resource-plugin
// contributions, and cluster variables. Pure; nothing to tear down.
func NewEnvironStage(deps *Dependencies) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "Environ",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			env := map[string]string{
				"BACKENDAI_AGENT_ARCH": deps.Architecture,
				"BACKENDAI_UID":        strconv.Itoa(c.Info.UID),
				"BACKENDAI_GID":        strconv.Itoa(c.Info.GID),
			}

			for k, v := range parseImageEnvLabel(c.Info.ImageLabels["ai.backend.envs.corecount"]) {
				env[k] = v
			}
			for k, v := range c.Info.Environ {
				env[k] = v
			}
			for k, v := range c.ResourceSpec.asEnviron() {
				env[k] = v
			}

			env["BACKENDAI_CLUSTER_HOST"] = c.Info.Cluster.Hostname
			env["BACKENDAI_CLUSTER_ROLE"] = c.Info.Cluster.Role
			env["BACKENDAI_CLUSTER_REPLICAS"] = clusterReplicasString(c.Info.Cluster.ReplicasPerRole)

			c.Environ = env
			return env, nil
		},
	}
}

func parseImageEnvLabel(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

// clusterReplicasString encodes the per-role replica counts as
// "role:count,role:count" in a deterministic (sorted by role) order.
func clusterReplicasString(perRole map[string]int) string {
	roles := make([]string, 0, len(perRole))
	for role := range perRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	parts := make([]string, 0, len(roles))
	for _, role := range roles {
		parts = append(parts, fmt.Sprintf("%s:%d", role, perRole[role]))
	}
	return strings.Join(parts, ",")
}

// asEnviron lets a KernelResourceSpec contribute environment variables
// derived from what it claimed (e.g. CUDA_VISIBLE_DEVICES); the base
// set is empty unless a plugin claim names itself.
func (spec KernelResourceSpec) asEnviron() map[string]string {
	env := map[string]string{}
	for _, claim := range spec.Claims {
		if len(claim.DeviceIDs) == 0 {
			continue
		}
		key := strings.ToUpper(strings.ReplaceAll(claim.SlotName, ".", "_")) + "_DEVICES"
		env[key] = strings.Join(claim.DeviceIDs, ",")
	}
	return env
}

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
)

// NewResourceStage allocates the requested resource slot quantities
// from each configured ComputeDevicePlugin, in allocation_order, under
// a cluster-wide mutex for the duration of the allocation so two
// concurrent creates on this agent never double-book the same device.
// On any plugin failure, every already-claimed plugin is released
// before the error propagates.
func NewResourceStage(deps *Dependencies, cfg *Config) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "Resource",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			select {
			case <-deps.ResourceLock:
			case <-time.After(cfg.ResourceLockTimeout):
				return nil, fmt.Errorf("resource lock: timed out after %s", cfg.ResourceLockTimeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			defer func() { deps.ResourceLock <- struct{}{} }()

			byName := make(map[string]ComputeDevicePlugin, len(deps.Plugins))
			for _, p := range deps.Plugins {
				byName[p.SlotName()] = p
			}

			var spec KernelResourceSpec
			order := cfg.AllocationOrder
			if len(order) == 0 {
				for name := range byName {
					order = append(order, name)
				}
			}

			affinity := map[string]string{} // device locality hints; populated from ResourceOpts below
			for k, v := range c.Info.ResourceOpts {
				affinity[k] = v
			}

			for _, name := range order {
				plugin, ok := byName[name]
				if !ok {
					continue
				}
				claim, err := plugin.Allocate(c.Info.ResourceSlots, affinity, cfg.AffinityPolicy)
				if err != nil {
					releaseAll(spec.Claims, byName)
					return spec, fmt.Errorf("allocate slot %q: %w", name, err)
				}
				spec.Claims = append(spec.Claims, claim)
				spec.ExtraArgs = append(spec.ExtraArgs, claim.ExtraArgs...)
			}

			c.ResourceSpec = spec
			return spec, nil
		},
		TeardownFunc: func(ctx context.Context, result any) error {
			spec, ok := result.(KernelResourceSpec)
			if !ok {
				return nil
			}
			byName := make(map[string]ComputeDevicePlugin, len(deps.Plugins))
			for _, p := range deps.Plugins {
				byName[p.SlotName()] = p
			}
			return releaseAll(spec.Claims, byName)
		},
	}
}

func releaseAll(claims []ClaimedDevices, byName map[string]ComputeDevicePlugin) error {
	var firstErr error
	for _, claim := range claims {
		plugin, ok := byName[claim.SlotName]
		if !ok {
			continue
		}
		if err := plugin.Release(claim); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release slot %q: %w", claim.SlotName, err)
		}
	}
	return firstErr
}

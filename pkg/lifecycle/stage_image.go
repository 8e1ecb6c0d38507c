package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
	"github.com/nimbusforge/sokovan/pkg/runtime"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// glibcToDistro maps a glibc version to the distro codename it ships
// with. Lookup picks the largest known version <= the observed one.
var glibcToDistro = []struct {
	version string
	distro  string
}{
	{"2.17", "centos7.6"},
	{"2.27", "ubuntu18.04"},
	{"2.28", "centos8.0"},
	{"2.31", "ubuntu20.04"},
	{"2.34", "centos9.0"},
	{"2.35", "ubuntu22.04"},
	{"2.39", "ubuntu24.04"},
}

func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// distroForGlibc returns the largest known table entry <= observed, or
// "" if observed is below every known entry.
func distroForGlibc(observed string) string {
	sorted := append([]struct {
		version string
		distro  string
	}{}, glibcToDistro...)
	sort.Slice(sorted, func(i, j int) bool { return compareVersions(sorted[i].version, sorted[j].version) < 0 })

	best := ""
	for _, entry := range sorted {
		if compareVersions(entry.version, observed) <= 0 {
			best = entry.distro
		}
	}
	return best
}

var lddVersionRe = regexp.MustCompile(`(\d+\.\d+)`)

// parseLddOutput extracts the distro codename from `ldd --version`
// output, handling both glibc (version string present) and musl
// (reports "musl libc" with no dotted version) probes.
func parseLddOutput(output string) (string, error) {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "musl") {
		return "alpine3.8", nil
	}
	m := lddVersionRe.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("could not parse glibc version from probe output")
	}
	distro := distroForGlibc(m[1])
	if distro == "" {
		return "", fmt.Errorf("glibc version %s is older than any known distro mapping", m[1])
	}
	return distro, nil
}

// NewImageMetadataStage resolves {runtime_type, runtime_path, distro,
// kernel_features} from image labels, falling back to the shared
// digest-keyed cache, and finally to a one-shot probe container on a
// full cache miss.
func NewImageMetadataStage(deps *Dependencies) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ImageMetadata",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			meta := ImageMetadata{
				RuntimeType: c.Info.ImageLabels["ai.backend.runtime-type"],
				RuntimePath: c.Info.ImageLabels["ai.backend.runtime-path"],
				Distro:      c.Info.ImageLabels["ai.backend.base-distro"],
			}
			if features := c.Info.ImageLabels["ai.backend.features"]; features != "" {
				meta.KernelFeatures = strings.Split(features, ",")
			}

			if meta.Distro == "" {
				if cached, ok := deps.ImageCache.Get(c.Info.ImageDigest); ok {
					meta.Distro = cached.Distro
					if meta.RuntimeType == "" {
						meta.RuntimeType = cached.RuntimeType
					}
				}
			}

			if meta.Distro == "" {
				if deps.ProbeImage == nil {
					return nil, fmt.Errorf("no distro label and no probe capability configured")
				}
				output, err := deps.ProbeImage(c.Info.Image.Canonical())
				if err != nil {
					return nil, fmt.Errorf("probe container for distro: %w", err)
				}
				distro, err := parseLddOutput(output)
				if err != nil {
					return nil, fmt.Errorf("determine distro from probe: %w", err)
				}
				meta.Distro = distro
				deps.ImageCache.Put(c.Info.ImageDigest, meta)
			}

			c.Image = meta
			return meta, nil
		},
		// Pure resolution, nothing to release.
	}
}

// shouldPull applies the auto-pull policy: ALWAYS always pulls, DIGEST
// pulls iff the local digest differs, TAG pulls iff the tag is absent
// locally, NONE never pulls. localDigest/localTagPresent model what a
// local image inventory lookup would report.
func shouldPull(policy types.AutoPullPolicy, localDigest, remoteDigest string, localTagPresent bool) bool {
	switch policy {
	case types.PullAlways:
		return true
	case types.PullDigest:
		return localDigest != remoteDigest
	case types.PullTag:
		return !localTagPresent
	case types.PullNone:
		return false
	default:
		return false
	}
}

// NewImagePullStage pulls the image according to the kernel's
// auto-pull policy, bounded by the configured pull timeout, emitting
// ImagePullStarted/Finished/Failed for manager progress tracking.
func NewImagePullStage(deps *Dependencies, cfg *Config, localImages LocalImageInventory) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ImagePull",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			imageRef := c.Info.Image.Canonical()

			localDigest, localTagPresent := localImages.Lookup(imageRef)
			if !shouldPull(c.Info.AutoPullPolicy, localDigest, c.Info.ImageDigest, localTagPresent) {
				return false, nil
			}

			emit(deps, "ImagePullStarted", c.Info.KernelID, map[string]any{"image": imageRef})

			pullCtx := ctx
			var cancel context.CancelFunc
			if cfg.PullTimeout > 0 {
				pullCtx, cancel = context.WithTimeout(ctx, cfg.PullTimeout)
				defer cancel()
			}

			var cred *runtime.RegistryCredential
			if c.Info.RegistryConfig.URL != "" {
				cred = &runtime.RegistryCredential{
					Username: c.Info.RegistryConfig.Username,
					Password: c.Info.RegistryConfig.Password,
				}
			}
			if err := deps.Runtime.Pull(pullCtx, imageRef, cred); err != nil {
				emit(deps, "ImagePullFailed", c.Info.KernelID, map[string]any{"image": imageRef, "error": err.Error()})
				return nil, fmt.Errorf("pull image %s: %w", imageRef, err)
			}

			emit(deps, "ImagePullFinished", c.Info.KernelID, map[string]any{"image": imageRef})
			return true, nil
		},
		// Pulled image layers are shared cache, not torn down per kernel.
	}
}

// LocalImageInventory reports what the runtime already has cached
// locally, so ImagePull can evaluate the DIGEST/TAG auto-pull
// policies without a network round trip.
type LocalImageInventory interface {
	// Lookup returns the locally-cached digest for imageRef (empty if
	// absent) and whether the tagged reference exists locally at all.
	Lookup(imageRef string) (digest string, tagPresent bool)
}

func emit(deps *Dependencies, name string, kernelID types.KernelID, fields map[string]any) {
	if deps.EventSink == nil {
		return
	}
	deps.EventSink(name, kernelID, fields)
}

package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nimbusforge/sokovan/pkg/runtime"
)

// TempContainer is the scoped handle YieldTempContainer hands the
// caller; Release must be called exactly once, and is safe to call
// multiple times.
type TempContainer struct {
	ID      string
	backend *Backend
}

func (tc *TempContainer) Release(ctx context.Context) error {
	return tc.backend.Deps.Runtime.Remove(ctx, tc.ID, true)
}

// YieldTempContainer creates a throwaway container running image for
// probes — the ImageMetadata stage's distro probe is the first
// consumer — guaranteeing release on every exit path via the returned
// closure-driven pattern: call fn with the container, and its result
// (including a panic) always triggers Release.
func (b *Backend) YieldTempContainer(ctx context.Context, image string, fn func(ctx context.Context, tc *TempContainer) error) error {
	spec := runtime.ContainerSpec{
		ID:      "probe-" + uuid.New().String(),
		Image:   image,
		Command: []string{"/bin/sh", "-c", "sleep 3600"},
	}
	id, err := b.Deps.Runtime.Create(ctx, spec)
	if err != nil {
		return fmt.Errorf("create temp container for %s: %w", image, err)
	}
	tc := &TempContainer{ID: id, backend: b}
	defer tc.Release(ctx)

	if err := b.Deps.Runtime.Start(ctx, id); err != nil {
		return fmt.Errorf("start temp container for %s: %w", image, err)
	}
	return fn(ctx, tc)
}

// ProbeImageDistro runs `ldd --version` inside a temp container
// running image and returns its combined output, the shape
// lifecycle.Dependencies.ProbeImage expects.
func (b *Backend) ProbeImageDistro(image string) (string, error) {
	var output string
	err := b.YieldTempContainer(context.Background(), image, func(ctx context.Context, tc *TempContainer) error {
		if err := b.Deps.Runtime.Exec(ctx, tc.ID, []string{"ldd", "--version"}); err != nil {
			return err
		}
		logs, err := b.Deps.Runtime.Logs(ctx, tc.ID)
		if err != nil {
			return err
		}
		output = string(logs)
		return nil
	})
	return output, err
}

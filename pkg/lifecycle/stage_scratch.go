package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
)

// derivePaths is a pure function computing the canonical path tuple
// for one kernel's scratch tree from (scratch_root, kernel_id,
// scratch_type). No I/O.
func derivePaths(scratchRoot, kernelID string, scratchType ScratchType) ScratchPaths {
	base := filepath.Join(scratchRoot, kernelID)
	paths := ScratchPaths{
		ScratchDir: base,
		TmpDir:     filepath.Join(base, "tmp"),
		WorkDir:    filepath.Join(base, "work"),
		ConfigDir:  filepath.Join(base, "config"),
	}
	if scratchType == ScratchMemory {
		paths.ScratchFile = filepath.Join(scratchRoot, kernelID+".img")
	}
	return paths
}

// NewScratchPathStage derives the canonical scratch path tuple. Pure;
// nothing to tear down.
func NewScratchPathStage(cfg *Config, scratchType ScratchType) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ScratchPath",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			paths := derivePaths(cfg.ScratchRoot, c.Info.KernelID.String(), scratchType)
			c.Paths = paths
			return paths, nil
		},
	}
}

// NewScratchCreateStage creates the scratch directories (and, for the
// MEMORY scratch type, a backing file) and chowns them to the kernel
// uid/gid.
func NewScratchCreateStage(cfg *Config, scratchType ScratchType) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ScratchCreate",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			paths := []string{c.Paths.ScratchDir, c.Paths.TmpDir, c.Paths.WorkDir, c.Paths.ConfigDir}
			for _, dir := range paths {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return paths, fmt.Errorf("create scratch dir %s: %w", dir, err)
				}
				if err := os.Chown(dir, c.Info.UID, c.Info.GID); err != nil {
					return paths, fmt.Errorf("chown scratch dir %s: %w", dir, err)
				}
			}

			if scratchType == ScratchMemory && c.Paths.ScratchFile != "" {
				f, err := os.OpenFile(c.Paths.ScratchFile, os.O_CREATE|os.O_RDWR, 0600)
				if err != nil {
					return paths, fmt.Errorf("create scratch backing file: %w", err)
				}
				if err := f.Truncate(cfg.ScratchSize); err != nil {
					f.Close()
					return paths, fmt.Errorf("size scratch backing file: %w", err)
				}
				f.Close()
				if err := os.Chown(c.Paths.ScratchFile, c.Info.UID, c.Info.GID); err != nil {
					return paths, fmt.Errorf("chown scratch backing file: %w", err)
				}
				paths = append(paths, c.Paths.ScratchFile)
			}
			return paths, nil
		},
		TeardownFunc: func(ctx context.Context, result any) error {
			paths, _ := result.([]string)
			var firstErr error
			for _, p := range paths {
				if err := os.RemoveAll(p); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("remove scratch path %s: %w", p, err)
				}
			}
			return firstErr
		},
	}
}

package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// contextTimeout optionally bounds an operation with context.WithTimeout;
// a zero value means "no deadline", matching how pull_image/push_image
// accept an optional timeout.
type contextTimeout time.Duration

func (t contextTimeout) apply(ctx context.Context) (context.Context, context.CancelFunc) {
	if t <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(t))
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func removeScratchTree(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clean scratch tree %s: %w", root, err)
	}
	return nil
}

func (b *Backend) containerInitPID(ctx context.Context, containerID string) (int, error) {
	return b.Deps.Runtime.Pid(ctx, containerID)
}

// resolveCgroupInfo reads /proc/<pid>/cgroup to find the controller's
// path and reports cgroup v1 or v2 based on whether the entry carries a
// named hierarchy (v1, "cpu,cpuacct:/path") or the unified empty
// hierarchy (v2, ":/path" with no controller name).
func resolveCgroupInfo(pid int, controller string) (CGroupInfo, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return CGroupInfo{}, fmt.Errorf("open cgroup file for pid %d: %w", pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			continue
		}
		hierarchy, path := fields[1], fields[2]
		if hierarchy == "" {
			return CGroupInfo{Path: path, Version: 2}, nil
		}
		for _, name := range strings.Split(hierarchy, ",") {
			if name == controller {
				return CGroupInfo{Path: path, Version: 1}, nil
			}
		}
	}
	return CGroupInfo{}, fmt.Errorf("controller %q not found in cgroup hierarchy for pid %d", controller, pid)
}

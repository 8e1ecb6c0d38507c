// Package runtime hides the concrete container runtime (containerd,
// docker, k8s, ...) behind a ContainerRuntime interface so the kernel
// lifecycle stages depend only on the abstraction, never on a specific
// backend's client types.
package runtime

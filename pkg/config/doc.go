// Package config decodes the process configuration file and adapts it
// into the Config types the rest of the tree already accepts, rather
// than letting each package parse YAML itself. cmd/manager and
// cmd/agent each Load one file at startup and call the To*Config
// methods that apply to the binary they're building.
package config

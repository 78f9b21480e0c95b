// Package targets maintains the inventory of remote hosts a client can drive.
//
// Targets are identified by an opaque id and resolved to an SSH endpoint plus
// a credential reference. The inventory is loaded from a YAML file; the GUI
// layer may instead construct a Registry programmatically from its own store.
package targets

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Spec describes how to reach one remote host. KeyRef names a credential in
// the external secret store; the secret itself is never part of the spec.
type Spec struct {
	ID     string `yaml:"id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	KeyRef string `yaml:"key_ref"`

	// HostFingerprint, when set, pins the host key ("SHA256:xxx"). A
	// connection to a host presenting a different key is rejected. Empty
	// means trust on first use.
	HostFingerprint string `yaml:"host_fingerprint"`
}

type inventoryFile struct {
	Targets []Spec `yaml:"targets"`
}

// Registry resolves target ids to Specs. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// LoadFile reads a YAML inventory and returns a populated registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file %s: %w", path, err)
	}

	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}

	r := NewRegistry()
	for _, spec := range inv.Targets {
		if err := r.Put(spec); err != nil {
			return nil, fmt.Errorf("targets file %s: %w", path, err)
		}
	}
	return r, nil
}

// Put adds or replaces a target spec. Port defaults to 22, user to "root".
func (r *Registry) Put(spec Spec) error {
	if spec.ID == "" {
		return fmt.Errorf("target spec missing id")
	}
	if spec.Host == "" {
		return fmt.Errorf("target %q missing host", spec.ID)
	}
	if spec.Port == 0 {
		spec.Port = 22
	}
	if spec.User == "" {
		spec.User = "root"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.ID] = spec
	return nil
}

// Remove deletes a target spec. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, id)
}

// Resolve returns the spec for a target id. Implements sshpool.Resolver.
func (r *Registry) Resolve(ctx context.Context, id string) (Spec, error) {
	if err := ctx.Err(); err != nil {
		return Spec{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	if !ok {
		return Spec{}, fmt.Errorf("unknown target %q", id)
	}
	return spec, nil
}

// IDs returns all known target ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

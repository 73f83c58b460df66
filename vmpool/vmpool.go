// Package vmpool tracks the VM instances a cloud back-end has provisioned.
// Persistence is a directory of marker files — one per VM ID — so the pool
// is crash-safe and `ls`-inspectable, per spec.md §9 and
// original_source/backends/vmpool.py. Live instance state (provider status,
// addresses) is not persisted, apart from the preferred-address hint Add
// writes into each marker file; it is re-fetched lazily through a
// describe-instance callback and cached in memory.
package vmpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Status is a VM's last-observed provider lifecycle state, reused across the
// EC2 and OpenStack flavors so vmpool itself stays provider-agnostic.
type Status string

const (
	Pending    Status = "PENDING"
	Running    Status = "RUNNING"
	Stopping   Status = "STOPPING"
	Stopped    Status = "STOPPED"
	Suspended  Status = "SUSPENDED" // permanent error per SPEC_FULL.md §6
	Terminated Status = "TERMINATED"
	Unknown    Status = "UNKNOWN"
)

// VM is a live handle to one provisioned instance.
type VM struct {
	ID               string
	Status           Status
	PreferredAddress string
	OtherAddresses   []string
	ImageID          string
	InstanceTypeID   string
}

// Describer fetches live state for a VM ID from the cloud provider. EC2 and
// OpenStack cloud back-ends each supply one backed by their SDK client.
type Describer func(ctx context.Context, id string) (VM, error)

// Pool is a set of known VM IDs backed by one marker file per ID under dir,
// with a lazily populated in-memory cache of live VM handles.
//
// Testable properties (spec.md §8): Add/Remove/idempotent-Add on the set;
// persistence round-trip produces the same ID set with an empty live cache.
type Pool struct {
	dir      string
	describe Describer
	mu       sync.Mutex
	ids      map[string]struct{}
	cache    map[string]VM
}

// Open loads (or creates) a pool persisted under dir. describe is used by
// Refresh to populate the live-handle cache; it may be nil if the caller
// only needs the ID set (e.g. for tests).
func Open(dir string, describe Describer) (*Pool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vmpool: open %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("vmpool: readdir %s: %w", dir, err)
	}
	ids := map[string]struct{}{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ids[e.Name()] = struct{}{}
	}
	return &Pool{dir: dir, describe: describe, ids: ids, cache: map[string]VM{}}, nil
}

// Add registers id in the pool, creating its marker file. preferredIP, if
// non-empty, is written as the marker file's content so a restart can
// recover a hint without calling the provider. Idempotent: adding an ID
// already present does not change the pool's size.
func (p *Pool) Add(id, preferredIP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; ok {
		return nil
	}
	path := filepath.Join(p.dir, id)
	if err := os.WriteFile(path, []byte(preferredIP), 0o644); err != nil {
		return fmt.Errorf("vmpool: add %s: %w", id, err)
	}
	p.ids[id] = struct{}{}
	return nil
}

// Remove deregisters id, deleting its marker file and dropping any cached
// live handle.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := filepath.Join(p.dir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vmpool: remove %s: %w", id, err)
	}
	delete(p.ids, id)
	delete(p.cache, id)
	return nil
}

// Contains reports whether id is currently in the pool.
func (p *Pool) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// IDs returns a snapshot of every VM ID currently registered.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	return out
}

// Len returns the number of VMs currently registered.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// PreferredAddressHint returns the preferred-IP hint persisted in id's
// marker file, without contacting the provider. Empty if id is unknown or
// no hint was recorded.
func (p *Pool) PreferredAddressHint(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; !ok {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(p.dir, id))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Refresh returns the live VM handle for id, using the in-memory cache when
// present and calling describe otherwise. Describe failures never panic or
// evict the ID from the pool — callers decide whether InstanceNotFound means
// "drop it" (the cloud back-end then calls Remove).
func (p *Pool) Refresh(ctx context.Context, id string) (VM, error) {
	p.mu.Lock()
	if v, ok := p.cache[id]; ok {
		p.mu.Unlock()
		return v, nil
	}
	describe := p.describe
	p.mu.Unlock()

	if describe == nil {
		return VM{}, fmt.Errorf("vmpool: no describer configured for %s", id)
	}
	v, err := describe(ctx, id)
	if err != nil {
		return VM{}, err
	}
	p.mu.Lock()
	p.cache[id] = v
	p.mu.Unlock()
	return v, nil
}

// Invalidate drops id's cached live handle, forcing the next Refresh to
// re-describe it.
func (p *Pool) Invalidate(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, id)
}

// Update reconciles the in-memory ID set against the marker-file directory
// on disk, picking up VMs another process added concurrently. If remove is
// true, IDs no longer present on disk are dropped from both the ID set and
// the live cache; otherwise they are kept.
func (p *Pool) Update(remove bool) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("vmpool: update readdir %s: %w", p.dir, err)
	}
	onDisk := map[string]struct{}{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		onDisk[e.Name()] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range onDisk {
		p.ids[id] = struct{}{}
	}
	if remove {
		for id := range p.ids {
			if _, ok := onDisk[id]; !ok {
				delete(p.ids, id)
				delete(p.cache, id)
			}
		}
	}
	return nil
}

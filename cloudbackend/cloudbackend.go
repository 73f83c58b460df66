package cloudbackend

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/batchbackend"
	"github.com/alphauslabs/gridrunner/config"
	"github.com/alphauslabs/gridrunner/dataurl"
	"github.com/alphauslabs/gridrunner/dialect"
	"github.com/alphauslabs/gridrunner/task"
	"github.com/alphauslabs/gridrunner/transport"
	"github.com/alphauslabs/gridrunner/vmpool"
)

// Backend boots VMs on demand and delegates task submission to a per-VM
// batchbackend.Backend, per spec.md §4.5.
type Backend struct {
	Provider Provider
	Dialect  dialect.Dialect
	Config   config.CloudConfig
	Pool     *vmpool.Pool
	Logger   *log.Logger

	mu       sync.Mutex
	children map[string]*batchbackend.Backend // vmID -> child
	tasksOn  map[string]map[string]bool       // vmID -> set of task IDs bound to it
	hashRing *consistent.Consistent
}

// New constructs a cloud back-end. pool should already be Open'd against the
// cloud back-end's persisted directory.
func New(p Provider, d dialect.Dialect, cfg config.CloudConfig, pool *vmpool.Pool, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	b := &Backend{
		Provider: p,
		Dialect:  d,
		Config:   cfg,
		Pool:     pool,
		Logger:   logger,
		children: map[string]*batchbackend.Backend{},
		tasksOn:  map[string]map[string]bool{},
	}
	b.Pool.Update(false)
	return b
}

// consistentMember adapts a VM ID to consistent.Member, giving
// github.com/buraksezer/consistent (already a teacher dependency) a home in
// the cloud back-end's child-selection step, per spec.md §4.5 step 3:
// candidates tied on image/instance-type are tried in a stable, deterministic
// order keyed by task ID rather than Go's randomized map iteration.
type consistentMember string

func (m consistentMember) String() string { return string(m) }

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

func newRing(members []string) *consistent.Consistent {
	cfg := consistent.Config{
		PartitionCount:    23,
		ReplicationFactor: 5,
		Load:              1.25,
		Hasher:            hasher{},
	}
	c := consistent.New(nil, cfg)
	for _, m := range members {
		c.Add(consistentMember(m))
	}
	return c
}

// appResources resolves the image/instance-type for task t's application
// tag, falling back to the back-end's configured defaults, per spec.md §4.5
// step 2.
func (b *Backend) appResources(appTag string) (imageID, instanceType string) {
	imageID, instanceType = b.Config.ImageID, b.Config.InstanceType
	if ov, ok := b.Config.AppOverrides[appTag]; ok {
		if ov.ImageID != "" {
			imageID = ov.ImageID
		}
		if ov.InstanceType != "" {
			instanceType = ov.InstanceType
		}
	}
	return imageID, instanceType
}

func (b *Backend) appUserData(appTag string) string {
	if ov, ok := b.Config.AppOverrides[appTag]; ok && ov.UserData != "" {
		return ov.UserData
	}
	return b.Config.UserData
}

// appTag extracts the application-tag key from a task's environment, by the
// same convention internal/navigator/builder.go uses for per-application
// resource overrides (an env var the caller sets before Submit).
func appTagOf(t *task.Task) string {
	return t.Env["GRIDRUNNER_APP_TAG"]
}

// Submit implements spec.md §4.5's six-step submission algorithm.
func (b *Backend) Submit(ctx context.Context, t *task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.refreshPoolLocked(ctx); err != nil {
		b.Logger.Printf("cloudbackend: pool refresh error: %v", err)
	}

	imageID, instanceType := b.appResources(appTagOf(t))

	candidates := b.matchingChildrenLocked(imageID, instanceType)
	if len(candidates) > 0 {
		ring := newRing(candidates)
		ordered := orderByRing(ring, candidates, t.ID)
		for _, vmID := range ordered {
			child := b.children[vmID]
			if err := child.Submit(ctx, t); err != nil {
				continue
			}
			b.bindTaskLocked(vmID, t.ID)
			t.Handle = task.BackendHandle{Kind: b.Provider.Name(), ID: vmID + "/" + t.Handle.ID}
			return nil
		}
	}

	anyPending := false
	for _, id := range b.Pool.IDs() {
		v, err := b.Pool.Refresh(ctx, id)
		if err == nil && isPending(v.Status) {
			anyPending = true
			break
		}
	}
	if anyPending {
		return &backend.ResourceNotReadyError{Reason: "a VM is still booting"}
	}

	if b.Config.VMPoolMaxSize == nil || b.Pool.Len() < *b.Config.VMPoolMaxSize {
		if err := b.launchVMLocked(ctx, imageID, instanceType, appTagOf(t)); err != nil {
			return &backend.SubmitError{Err: err}
		}
		return &backend.ResourceNotReadyError{Reason: "booting a new VM"}
	}

	return &backend.CapacityReachedError{Limit: fmt.Sprintf("vmPoolMaxSize=%d", *b.Config.VMPoolMaxSize)}
}

// refreshPoolLocked implements step 1: refresh every VM's cloud-side status,
// dropping terminal-error VMs and their children. Caller holds b.mu.
func (b *Backend) refreshPoolLocked(ctx context.Context) error {
	var lastErr error
	for _, id := range b.Pool.IDs() {
		b.Pool.Invalidate(id)
		v, err := b.Pool.Refresh(ctx, id)
		if err != nil {
			if _, ok := err.(*backend.InstanceNotFoundError); ok {
				b.dropVMLocked(id)
				continue
			}
			lastErr = err
			continue
		}
		if isTerminalError(v.Status) {
			b.dropVMLocked(id)
			continue
		}
		if child, ok := b.children[id]; ok {
			if _, err := child.GetResourceStatus(ctx); err != nil {
				lastErr = b.retryOtherAddresses(ctx, id, v)
			}
		}
	}
	return lastErr
}

// retryOtherAddresses implements the secondary-IP strategy of spec.md §4.5's
// last paragraph: on a transport error, retry the same address once, then
// walk OtherAddresses, promoting the first one that works.
func (b *Backend) retryOtherAddresses(ctx context.Context, vmID string, v vmpool.VM) error {
	child, ok := b.children[vmID]
	if !ok {
		return nil
	}
	if _, err := child.GetResourceStatus(ctx); err == nil {
		return nil
	}
	for _, addr := range v.OtherAddresses {
		child.Transport = rebindHost(child.Transport, addr)
		if _, err := child.GetResourceStatus(ctx); err == nil {
			v.PreferredAddress = addr
			b.Pool.Add(vmID, addr)
			return nil
		}
	}
	return fmt.Errorf("cloudbackend: vm %s: no reachable address", vmID)
}

// rebindHost swaps an SSH transport's target host, leaving everything else
// (auth, port) intact; a non-SSH transport is returned unchanged.
func rebindHost(tr transport.Transport, host string) transport.Transport {
	if ssh, ok := tr.(*transport.SSH); ok {
		return ssh.WithHost(host)
	}
	return tr
}

func (b *Backend) dropVMLocked(id string) {
	delete(b.children, id)
	delete(b.tasksOn, id)
	b.Pool.Remove(id)
}

func (b *Backend) matchingChildrenLocked(imageID, instanceType string) []string {
	var ids []string
	for id, child := range b.children {
		v, err := b.Pool.Refresh(context.Background(), id)
		if err != nil {
			continue
		}
		if v.ImageID == imageID && v.InstanceTypeID == instanceType {
			_ = child
			ids = append(ids, id)
		}
	}
	return ids
}

func orderByRing(ring *consistent.Consistent, candidates []string, key string) []string {
	set := map[string]bool{}
	for _, c := range candidates {
		set[c] = true
	}
	var ordered []string
	closest, err := ring.GetClosestN([]byte(key), len(candidates))
	if err == nil {
		for _, m := range closest {
			name := m.String()
			if set[name] {
				ordered = append(ordered, name)
				delete(set, name)
			}
		}
	}
	for c := range set {
		ordered = append(ordered, c)
	}
	return ordered
}

func (b *Backend) bindTaskLocked(vmID, taskID string) {
	if b.tasksOn[vmID] == nil {
		b.tasksOn[vmID] = map[string]bool{}
	}
	b.tasksOn[vmID][taskID] = true
}

func (b *Backend) unbindTaskLocked(vmID, taskID string) {
	if set, ok := b.tasksOn[vmID]; ok {
		delete(set, taskID)
	}
}

func (b *Backend) childForTask(t *task.Task) (*batchbackend.Backend, string, bool) {
	vmID, nativeID := splitHandle(t.Handle.ID)
	if vmID == "" {
		return nil, "", false
	}
	b.mu.Lock()
	child, ok := b.children[vmID]
	b.mu.Unlock()
	return child, nativeID, ok
}

func splitHandle(id string) (vmID, nativeID string) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			return id[:i], id[i+1:]
		}
	}
	return "", id
}

// UpdateState delegates to the task's bound child, surfacing
// InstanceNotFound per spec.md §7's propagation policy (flip to TERMINATED
// with a remote-error signal, then raise).
func (b *Backend) UpdateState(ctx context.Context, t *task.Task) error {
	child, _, ok := b.childForTask(t)
	if !ok {
		vmID, _ := splitHandle(t.Handle.ID)
		if vmID != "" && !b.Pool.Contains(vmID) && !t.State.Terminal() {
			if t.ReturnCode == nil {
				t.ReturnCode = &task.ReturnCode{Signal: -1, Exit: -1}
			}
			_ = t.Cancel(time.Now().UTC(), "instance not found")
		}
		return &backend.InstanceNotFoundError{InstanceID: t.Handle.ID}
	}
	return child.UpdateState(ctx, t)
}

func (b *Backend) Cancel(ctx context.Context, t *task.Task) error {
	child, _, ok := b.childForTask(t)
	if !ok {
		return &backend.InstanceNotFoundError{InstanceID: t.Handle.ID}
	}
	return child.Cancel(ctx, t)
}

// Free releases the task's child-side scratch dir, then terminates the VM
// if it has no remaining bound tasks, per spec.md §4.5.
func (b *Backend) Free(ctx context.Context, t *task.Task) error {
	vmID, _ := splitHandle(t.Handle.ID)
	b.mu.Lock()
	child, ok := b.children[vmID]
	b.mu.Unlock()
	if !ok {
		return &backend.InstanceNotFoundError{InstanceID: vmID}
	}
	if err := child.Free(ctx, t); err != nil {
		return err
	}

	b.mu.Lock()
	b.unbindTaskLocked(vmID, t.ID)
	empty := len(b.tasksOn[vmID]) == 0
	b.mu.Unlock()

	if empty {
		if err := b.Provider.TerminateVM(ctx, vmID); err != nil {
			b.Logger.Printf("cloudbackend: terminate vm %s: %v", vmID, err)
			return nil
		}
		b.mu.Lock()
		b.dropVMLocked(vmID)
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) GetResults(ctx context.Context, t *task.Task, dir string, overwrite, changedOnly bool) error {
	child, _, ok := b.childForTask(t)
	if !ok {
		return &backend.InstanceNotFoundError{InstanceID: t.Handle.ID}
	}
	return child.GetResults(ctx, t, dir, overwrite, changedOnly)
}

func (b *Backend) Peek(ctx context.Context, t *task.Task, remoteFile string, maxBytes int64) ([]byte, error) {
	child, _, ok := b.childForTask(t)
	if !ok {
		return nil, &backend.InstanceNotFoundError{InstanceID: t.Handle.ID}
	}
	return child.Peek(ctx, t, remoteFile, maxBytes)
}

// GetResourceStatus aggregates every child's last-known status, per spec.md
// §4.5 step 1 ("updates every child back-end in parallel").
func (b *Backend) GetResourceStatus(ctx context.Context) (backend.ResourceStatus, error) {
	b.mu.Lock()
	children := make([]*batchbackend.Backend, 0, len(b.children))
	for _, c := range b.children {
		children = append(children, c)
	}
	b.mu.Unlock()

	var agg backend.ResourceStatus
	agg.Updated = true
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range children {
		wg.Add(1)
		go func(c *batchbackend.Backend) {
			defer wg.Done()
			st, err := c.GetResourceStatus(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !st.Updated {
				agg.Updated = false
				return
			}
			agg.FreeSlots += st.FreeSlots
			agg.UserRunning += st.UserRunning
			agg.UserQueued += st.UserQueued
			agg.TotalQueued += st.TotalQueued
		}(c)
	}
	wg.Wait()
	return agg, nil
}

// ValidateData accepts file/http/https/gs per spec.md §6's "Any cloud" row.
func (b *Backend) ValidateData(scheme string) bool {
	return dataurl.Cloud.Validate(scheme)
}

// Close closes every child and terminates any VM left with no bound tasks,
// per spec.md §4.5; VMs with outstanding children are left running.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for id, child := range b.children {
		if err := child.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if len(b.tasksOn[id]) == 0 {
			if err := b.Provider.TerminateVM(context.Background(), id); err != nil {
				b.Logger.Printf("cloudbackend: close: terminate vm %s: %v", id, err)
			} else {
				b.Pool.Remove(id)
			}
		} else {
			b.Logger.Printf("cloudbackend: close: vm %s left running, %d task(s) still bound", id, len(b.tasksOn[id]))
		}
	}
	return firstErr
}

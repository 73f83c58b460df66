// Package backend defines the polymorphic contract every gridrunner
// back-end implements, generalized from the teacher's internal/batch.Provider
// interface: a single shape covering batch schedulers reached over a
// transport and cloud back-ends that provision their own compute.
package backend

import (
	"context"
	"time"

	"github.com/alphauslabs/gridrunner/task"
)

// ResourceStatus is a snapshot of a back-end's queue/capacity state, pulled
// from the teacher's InformationContainer-style dynamic attribute bag
// (original_source's InformationContainer.py) but expressed as a plain
// struct — Go has no need for a generic attribute container here.
type ResourceStatus struct {
	FreeSlots   int
	UserRunning int
	UserQueued  int
	TotalQueued int
	Updated     bool // false means this snapshot is stale; refresh failed silently
	UpdatedAt   time.Time
}

// ExecutionBackend is the contract a batch back-end (PBS/SGE/LSF over a
// Transport) or a cloud back-end (EC2/OpenStack-provisioned VMs running a
// batch back-end) both satisfy.
type ExecutionBackend interface {
	// Submit hands t to the back-end. On success t.State moves to SUBMITTED
	// and t.Handle is populated. On failure after partial native submission,
	// Submit returns a *SubmitError and the caller must not assume t is
	// still NEW — callers should call UpdateState to find out what actually
	// happened.
	Submit(ctx context.Context, t *task.Task) error

	// UpdateState refreshes t.State (and appends to t.History) by querying
	// the native scheduler/provider. When neither the scheduler nor its
	// accounting knows the job, t keeps its state until the back-end's
	// accounting grace window has passed and then moves to state.Unknown;
	// UpdateState returns nil in both cases. It returns an error when the
	// query itself failed (a Transport failure, a failed accounting query
	// wrapped in *UnknownJobStateError, a task with no native handle) or,
	// for a cloud back-end, when the task's VM no longer exists.
	UpdateState(ctx context.Context, t *task.Task) error

	// Cancel requests termination of a non-terminal task. It does not wait
	// for the cancellation to be observed; call UpdateState afterward.
	Cancel(ctx context.Context, t *task.Task) error

	// Free releases any back-end-side resources held for a TERMINATED task
	// (remote scratch directory, VM lease). It is idempotent.
	Free(ctx context.Context, t *task.Task) error

	// GetResults fetches t.Outputs from the remote side to the local
	// working directory dir. overwrite controls whether existing local
	// files are replaced; changedOnly, when true, skips files whose remote
	// mtime/size match what's already local.
	GetResults(ctx context.Context, t *task.Task, dir string, overwrite, changedOnly bool) error

	// Peek returns up to maxBytes of the tail of the named remote output
	// file for a task that is still RUNNING or STOPPED, without requiring
	// the task to terminate first.
	Peek(ctx context.Context, t *task.Task, remoteFile string, maxBytes int64) ([]byte, error)

	// GetResourceStatus returns a cached-or-fresh snapshot of back-end
	// capacity. Implementations should honor an internal TTL rather than
	// querying the native side on every call.
	GetResourceStatus(ctx context.Context) (ResourceStatus, error)

	// ValidateData reports whether this back-end can stage data at a URL
	// with the given scheme (e.g. "file", "http", "gs").
	ValidateData(scheme string) bool

	// Close releases any held connections (SSH sessions, cloud API
	// clients). The back-end must not be used after Close returns.
	Close() error
}

// Factory builds an ExecutionBackend from a name/value configuration record,
// mirroring the teacher's NewProvider(ProviderConfig) registry.
type Factory func(cfg map[string]string) (ExecutionBackend, error)

var registry = map[string]Factory{}

// Register installs a Factory under name, to be called from an init() in
// each concrete back-end package — the same func-var registration the
// teacher uses for RegisterGCPProvider/RegisterAWSProvider, which keeps this
// package free of an import cycle with its implementations.
func Register(name string, f Factory) {
	registry[name] = f
}

// New builds the named back-end from cfg. name must have been installed by a
// prior Register call (typically via a blank import of the concrete
// package).
func New(name string, cfg map[string]string) (ExecutionBackend, error) {
	f, ok := registry[name]
	if !ok {
		return nil, &ConfigurationError{Key: "backend", Err: errUnregisteredBackend(name)}
	}
	return f(cfg)
}

type errUnregisteredBackend string

func (e errUnregisteredBackend) Error() string {
	return "no back-end registered under name " + string(e)
}

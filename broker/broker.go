// Package broker picks which of several candidate back-ends should receive a
// task: filter out those that cannot possibly take it, then rank the rest by
// live load. It holds no state of its own, generalizing the teacher's
// internal/router (tiered resource-threshold classification) and
// internal/navigator (single stateless entry point producing a plan) from
// "choose one GCP service" to "filter and sort many back-ends".
package broker

import (
	"context"
	"sort"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/task"
)

// Limits are the static per-back-end ceilings a candidate must satisfy
// before it is even asked for its current load, mirroring the teacher's
// exported threshold constants in internal/router/classifier.go.
type Limits struct {
	MaxCores         int
	MaxCoresPerJob   int
	MaxMemoryPerCore int64 // MiB
	MaxWallTime      int64 // minutes
}

// Candidate pairs a back-end with the static limits it was configured with;
// the broker needs the limits to filter before it ever calls
// GetResourceStatus.
type Candidate struct {
	Name    string
	Backend backend.ExecutionBackend
	Limits  Limits
}

// fits reports whether c's static limits can possibly accommodate t's
// request. A zero limit means "unspecified", i.e. no ceiling — mirroring the
// teacher's exceedsThreshold helper, which treats zero as "not specified".
func fits(c Candidate, t *task.Task) bool {
	req := t.Request
	if c.Limits.MaxCoresPerJob > 0 && req.Cores > c.Limits.MaxCoresPerJob {
		return false
	}
	if c.Limits.MaxMemoryPerCore > 0 && req.MemoryPerCore > c.Limits.MaxMemoryPerCore {
		return false
	}
	if c.Limits.MaxWallTime > 0 {
		wallMinutes := int64(req.WallTime.Minutes())
		if wallMinutes > c.Limits.MaxWallTime {
			return false
		}
	}
	return true
}

// ranked is an internal sort record combining a candidate with its fetched
// resource snapshot.
type ranked struct {
	candidate Candidate
	status    backend.ResourceStatus
}

// Rank filters candidates down to those whose static limits fit t, then
// drops any whose GetResourceStatus reports Updated == false — unless doing
// so would empty the list, in which case the stale candidates are kept
// rather than leaving the task with nowhere to go (spec.md §4.7). Survivors
// are sorted by (userQueued asc, freeSlots desc, totalQueued asc, userRunning
// asc) — prefer back-ends with the shortest queue for this user, then the
// most free capacity, then the shortest queue overall, then the fewest of
// this user's own running jobs (spreading load).
func Rank(ctx context.Context, candidates []Candidate, t *task.Task) ([]backend.ExecutionBackend, error) {
	var fitting []ranked
	for _, c := range candidates {
		if !fits(c, t) {
			continue
		}
		status, err := c.Backend.GetResourceStatus(ctx)
		if err != nil {
			continue
		}
		fitting = append(fitting, ranked{candidate: c, status: status})
	}

	live := fitting
	var fresh []ranked
	for _, r := range fitting {
		if r.status.Updated {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) > 0 {
		live = fresh
	}

	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i].status, live[j].status
		if a.UserQueued != b.UserQueued {
			return a.UserQueued < b.UserQueued
		}
		if a.FreeSlots != b.FreeSlots {
			return a.FreeSlots > b.FreeSlots
		}
		if a.TotalQueued != b.TotalQueued {
			return a.TotalQueued < b.TotalQueued
		}
		return a.UserRunning < b.UserRunning
	})

	out := make([]backend.ExecutionBackend, 0, len(live))
	for _, r := range live {
		out = append(out, r.candidate.Backend)
	}
	return out, nil
}

// Package audit persists a Task's state-transition history to Spanner, for
// callers that want a durable audit trail beyond task.Task.History's
// in-memory slice. It is optional: nothing in backend.ExecutionBackend
// depends on it.
package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"

	"github.com/alphauslabs/gridrunner/task"
)

// Sink writes task transitions to a Spanner table shaped like the teacher's
// JobStateTransition audit trail (internal/database/models.go), generalized
// from "tenant ID + job ID" keying to "task ID" keying since this core has
// no tenant concept.
type Sink struct {
	client *spanner.Client
}

// NewSink dials Spanner at the given database path
// ("projects/P/instances/I/databases/D").
func NewSink(ctx context.Context, database string) (*Sink, error) {
	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("audit: connect to %s: %w", database, err)
	}
	return &Sink{client: client}, nil
}

func (s *Sink) Close() {
	s.client.Close()
}

// RecordTransition inserts one row per task.HistoryEntry appended since the
// caller last called RecordTransition — callers pass the full Task and the
// number of entries already recorded, mirroring the append-only nature of
// Task.History.
func (s *Sink) RecordTransition(ctx context.Context, t *task.Task, alreadyRecorded int) error {
	if alreadyRecorded >= len(t.History) {
		return nil
	}

	var muts []*spanner.Mutation
	for _, entry := range t.History[alreadyRecorded:] {
		var fromStatus *string
		if entry.From.String() != "" {
			from := entry.From.String()
			fromStatus = &from
		}
		var notes *string
		if entry.Note != "" {
			notes = &entry.Note
		}
		muts = append(muts, spanner.Insert("TaskStateTransitions",
			[]string{"TaskId", "TransitionId", "FromStatus", "ToStatus", "TransitionedAt", "NativeMessage", "Notes"},
			[]interface{}{t.ID, uuid.NewString(), fromStatus, entry.To.String(), entry.At, entry.NativeMsg, notes},
		))
	}

	if _, err := s.client.Apply(ctx, muts); err != nil {
		return fmt.Errorf("audit: record %d transition(s) for task %s: %w", len(muts), t.ID, err)
	}
	return nil
}

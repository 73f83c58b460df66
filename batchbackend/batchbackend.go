// Package batchbackend implements backend.ExecutionBackend once, generically,
// for every dialect.Dialect: Submit writes a job script and hands it to the
// native scheduler, UpdateState drives the stat/accounting probe sequence,
// GetResults/Peek/Cancel/Free move bytes over whatever transport.Transport
// the back-end was configured with. It generalizes
// cmd/worker/service/pollers.go's per-job ticker (teacher) into a pull-based
// design: the core has no internal goroutine (spec.md §5), so UpdateState is
// called by whatever orchestrates tasks, and a short TTL cache keeps repeat
// calls cheap.
package batchbackend

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/config"
	"github.com/alphauslabs/gridrunner/dataurl"
	"github.com/alphauslabs/gridrunner/dialect"
	"github.com/alphauslabs/gridrunner/state"
	"github.com/alphauslabs/gridrunner/task"
	"github.com/alphauslabs/gridrunner/transport"
)

// defaultCacheTTL is the interval (30s) for which GetResourceStatus reuses a
// cached resource snapshot instead of re-querying the native side, used when
// Backend.CacheTTL is not set to a positive value.
const defaultCacheTTL = 30 * time.Second

// Backend is a dialect-driven batch back-end bound to one transport.
type Backend struct {
	Dialect   dialect.Dialect
	Transport transport.Transport
	Config    config.BatchConfig
	Logger    *log.Logger
	CacheTTL  time.Duration

	resourceDir string // remote scratch root, e.g. "/home/user/.gridrunner"

	mu             sync.Mutex
	firstFailure   map[string]time.Time // taskID -> first "no stat, no acct" observation
	statusCache    backend.ResourceStatus
	statusCachedAt time.Time
}

// New constructs a batch back-end. resourceDir is the remote directory under
// which per-task scratch directories are created.
func New(d dialect.Dialect, tr transport.Transport, cfg config.BatchConfig, resourceDir string, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	return &Backend{
		Dialect:      d,
		Transport:    tr,
		Config:       cfg,
		Logger:       logger,
		CacheTTL:     defaultCacheTTL,
		resourceDir:  resourceDir,
		firstFailure: map[string]time.Time{},
	}
}

func (b *Backend) remoteDir(t *task.Task) string {
	return path.Join(b.resourceDir, t.ID)
}

// Submit writes the task's command to a shell script in a fresh remote
// scratch directory, stages inputs, then submits via the dialect's
// SubmitCmd. Per spec.md §4.4 steps 1-6.
func (b *Backend) Submit(ctx context.Context, t *task.Task) error {
	if err := b.Transport.Connect(ctx); err != nil {
		return err
	}

	remoteDir := b.remoteDir(t)
	if err := b.Transport.MakeDirs(ctx, remoteDir); err != nil {
		return &backend.SubmitError{Err: err}
	}

	for localPath, srcURL := range t.Inputs {
		dst := filepath.Join(remoteDir, localPath)
		tmp, err := fetchToLocalTemp(ctx, srcURL)
		if err != nil {
			return &backend.DataStagingError{Recoverable: true, Path: localPath, Err: err}
		}
		if err := b.Transport.Put(ctx, tmp, dst); err != nil {
			return &backend.DataStagingError{Recoverable: true, Path: localPath, Err: err}
		}
	}

	scriptPath := path.Join(remoteDir, "gridrunner.job")
	script := buildScript(t, remoteDir)
	localScript, err := writeLocalTemp(script)
	if err != nil {
		return &backend.SubmitError{Err: err}
	}
	if err := b.Transport.Put(ctx, localScript, scriptPath); err != nil {
		return &backend.SubmitError{Err: err}
	}
	if err := b.Transport.Chmod(ctx, scriptPath, 0o755); err != nil {
		return &backend.SubmitError{Err: err}
	}

	cmd := b.Dialect.SubmitCmd(scriptPath, b.Config.Queue)
	stdout, stderr, exitCode, err := b.Transport.Exec(ctx, cmd)
	if err != nil {
		return &backend.SubmitError{Err: err}
	}
	if exitCode != 0 {
		return &backend.SubmitError{Err: fmt.Errorf("native submit exited %d: %s", exitCode, stderr)}
	}

	jobID, err := b.Dialect.ParseSubmitOutput(string(stdout))
	if err != nil {
		return &backend.SubmitError{Err: err}
	}

	if err := t.SetHandle(task.BackendHandle{Kind: b.Dialect.Name, ID: jobID}); err != nil {
		// SetHandle rejects a task that is still NEW, as t is here, so set
		// the handle by hand and let the Transition call below move t into
		// SUBMITTED.
		t.Handle = task.BackendHandle{Kind: b.Dialect.Name, ID: jobID}
	}
	if err := t.Transition(state.Submitted, time.Now().UTC(), string(stdout)); err != nil {
		return &backend.SubmitError{Err: err}
	}
	b.Logger.Printf("batchbackend: submitted task %s as %s job %s", t.ID, b.Dialect.Name, jobID)
	return nil
}

// UpdateState implements the stat -> accounting -> accountingDelay-grace
// probe sequence of spec.md §4.4.
func (b *Backend) UpdateState(ctx context.Context, t *task.Task) error {
	if t.State.Terminal() {
		return nil
	}
	if t.Handle.ID == "" {
		return fmt.Errorf("batchbackend: task %s has no native handle", t.ID)
	}

	statOut, _, _, err := b.Transport.Exec(ctx, b.Dialect.StatCmd(t.Handle.ID))
	if err != nil {
		return err
	}

	if st, ok := b.Dialect.ParseStat(string(statOut), t.Handle.ID); ok {
		b.clearFirstFailure(t.ID)
		if st != t.State && state.CanTransition(t.State, st) {
			if err := t.Transition(st, time.Now().UTC(), string(statOut)); err != nil {
				b.Logger.Printf("batchbackend: task %s: %v", t.ID, err)
			}
		}
		return nil
	}

	rec, haveRec, err := b.probeAccounting(ctx, t, remoteStdoutPath(b.remoteDir(t)))
	if err != nil {
		return &backend.UnknownJobStateError{Err: err}
	}
	if haveRec {
		b.clearFirstFailure(t.ID)
		if err := t.Transition(state.Terminating, time.Now().UTC(), ""); err != nil {
			return err
		}
		rc := task.ReturnCode{Signal: rec.ExitSignal, Exit: rec.ExitCode}
		if wallOverrun(t, rec) || cpuOverrun(t, rec) || memOverrun(t, rec) {
			rc.Signal = remoteErrorSignal
			rc.Exit = -1
		}
		return t.SetReturnCode(rc)
	}

	// Neither stat nor accounting has an answer yet: start or check the
	// accountingDelay grace window (spec.md §4.4).
	first := b.observeFirstFailure(t.ID)
	if time.Since(first) >= b.Config.AccountingDelay {
		if err := t.Transition(state.Unknown, time.Time{}, ""); err != nil && state.CanTransition(t.State, state.Unknown) {
			return err
		}
	}
	return nil
}

func (b *Backend) probeAccounting(ctx context.Context, t *task.Task, stdoutPath string) (dialect.AccountingRecord, bool, error) {
	if b.Dialect.AcctAbsenceCheck != nil {
		exists, err := b.remoteFileExists(ctx, stdoutPath)
		if err != nil {
			return dialect.AccountingRecord{}, false, err
		}
		rec, ok := b.Dialect.AcctAbsenceCheck(exists)
		return rec, ok, nil
	}
	acctOut, _, _, err := b.Transport.Exec(ctx, b.Dialect.AcctCmd(t.Handle.ID))
	if err != nil {
		return dialect.AccountingRecord{}, false, err
	}
	return b.Dialect.ParseAcct(string(acctOut))
}

func (b *Backend) remoteFileExists(ctx context.Context, p string) (bool, error) {
	isDir, err := b.Transport.IsDir(ctx, p)
	if err != nil {
		return false, err
	}
	if isDir {
		return true, nil
	}
	entries, err := b.Transport.ListDir(ctx, filepath.Dir(p))
	if err != nil {
		return false, nil
	}
	for _, e := range entries {
		if e.Name == filepath.Base(p) {
			return true, nil
		}
	}
	return false, nil
}

// remoteErrorSignal marks a synthesized exit produced by gridrunner itself
// (wall-time overrun, instance vanished) rather than observed from the
// scheduler, per spec.md §8 scenario S3.
const remoteErrorSignal = -1

func wallOverrun(t *task.Task, rec dialect.AccountingRecord) bool {
	if t.Request.WallTime <= 0 {
		return false
	}
	return time.Duration(rec.WallTimeSec*float64(time.Second)) > t.Request.WallTime
}

// requestedCores returns the number of cores a task asked for, defaulting to
// a single core when unspecified.
func requestedCores(t *task.Task) int {
	if t.Request.Cores <= 0 {
		return 1
	}
	return t.Request.Cores
}

// cpuOverrun reports whether rec's accumulated CPU time exceeds the
// requested wall-time budget scaled across every requested core, per
// spec.md §4.3's synthesized return-code rule.
func cpuOverrun(t *task.Task, rec dialect.AccountingRecord) bool {
	if t.Request.WallTime <= 0 {
		return false
	}
	budget := t.Request.WallTime * time.Duration(requestedCores(t))
	return time.Duration(rec.CPUTimeSec*float64(time.Second)) > budget
}

// memOverrun reports whether rec's peak memory exceeds the per-core
// allowance requested, scaled across every requested core.
func memOverrun(t *task.Task, rec dialect.AccountingRecord) bool {
	if t.Request.MemoryPerCore <= 0 {
		return false
	}
	budget := t.Request.MemoryPerCore * int64(requestedCores(t))
	return rec.MaxMemoryMiB > budget
}

func (b *Backend) observeFirstFailure(taskID string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.firstFailure[taskID]; ok {
		return t
	}
	now := time.Now()
	b.firstFailure[taskID] = now
	return now
}

func (b *Backend) clearFirstFailure(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.firstFailure, taskID)
}

// Cancel runs the dialect's cancel command. It does not wait for the
// cancellation to be observed.
func (b *Backend) Cancel(ctx context.Context, t *task.Task) error {
	if t.Handle.ID == "" {
		return t.Cancel(time.Now().UTC(), "never submitted")
	}
	_, stderr, exitCode, err := b.Transport.Exec(ctx, b.Dialect.CancelCmd(t.Handle.ID))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		b.Logger.Printf("batchbackend: cancel of task %s (native %s) exited %d: %s", t.ID, t.Handle.ID, exitCode, stderr)
	}
	return nil
}

// Free removes the task's remote scratch directory. Idempotent.
func (b *Backend) Free(ctx context.Context, t *task.Task) error {
	return b.Transport.RemoveTree(ctx, b.remoteDir(t))
}

// GetResults fetches every entry in t.Outputs from the remote scratch
// directory to dir, per spec.md §8 property 6 (overwrite=false must leave
// existing files byte-identical).
func (b *Backend) GetResults(ctx context.Context, t *task.Task, dir string, overwrite, changedOnly bool) error {
	remoteDir := b.remoteDir(t)
	for remoteRel, destHint := range t.Outputs {
		remotePath := path.Join(remoteDir, remoteRel)
		localPath := filepath.Join(dir, remoteRel)
		if destHint != "" {
			if err := dataurl.Fetch(ctx, destHint, localPath); err == nil {
				continue
			}
		}

		if !overwrite {
			if exists, _ := b.localFileExists(localPath); exists {
				continue
			}
		}
		if changedOnly {
			same, err := b.unchanged(ctx, remotePath, localPath)
			if err == nil && same {
				continue
			}
		}
		if err := b.Transport.Get(ctx, remotePath, localPath, true); err != nil {
			return &backend.DataStagingError{Recoverable: true, Path: remoteRel, Err: err}
		}
	}
	return nil
}

func (b *Backend) localFileExists(p string) (bool, error) {
	return localExists(p), nil
}

func (b *Backend) unchanged(ctx context.Context, remotePath, localPath string) (bool, error) {
	if !localExists(localPath) {
		return false, nil
	}
	remoteInfo, err := b.Transport.ListDir(ctx, filepath.Dir(remotePath))
	if err != nil {
		return false, err
	}
	localSize, localMTime, ok := localStat(localPath)
	if !ok {
		return false, nil
	}
	for _, e := range remoteInfo {
		if e.Name == filepath.Base(remotePath) {
			return e.Size == localSize && e.ModTime == localMTime, nil
		}
	}
	return false, nil
}

// Peek returns up to maxBytes of remoteFile's tail for a still-running task.
func (b *Backend) Peek(ctx context.Context, t *task.Task, remoteFile string, maxBytes int64) ([]byte, error) {
	full := path.Join(b.remoteDir(t), remoteFile)
	r, err := b.Transport.Open(ctx, full)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return tail(r, maxBytes)
}

// GetResourceStatus returns a cached-or-fresh snapshot, honoring CacheTTL.
// Per spec.md §7, a refresh failure never raises — it returns the previously
// cached snapshot with Updated set to false.
func (b *Backend) GetResourceStatus(ctx context.Context) (backend.ResourceStatus, error) {
	b.mu.Lock()
	if time.Since(b.statusCachedAt) < b.effectiveTTL() {
		cached := b.statusCache
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	if b.Dialect.ResourceCmds == nil {
		return backend.ResourceStatus{Updated: false}, nil
	}
	cmds := b.Dialect.ResourceCmds(b.Config.Queue)
	outputs := make([][]byte, 0, len(cmds))
	for _, cmd := range cmds {
		stdout, _, _, err := b.Transport.Exec(ctx, cmd)
		if err != nil {
			b.Logger.Printf("batchbackend: resource status refresh failed: %v", err)
			b.mu.Lock()
			b.statusCache.Updated = false
			stale := b.statusCache
			b.mu.Unlock()
			return stale, nil
		}
		outputs = append(outputs, stdout)
	}

	status, err := b.Dialect.ParseResourceStatus(outputs)
	if err != nil {
		b.Logger.Printf("batchbackend: resource status parse failed: %v", err)
		b.mu.Lock()
		b.statusCache.Updated = false
		stale := b.statusCache
		b.mu.Unlock()
		return stale, nil
	}
	status.UpdatedAt = time.Now()

	b.mu.Lock()
	b.statusCache = status
	b.statusCachedAt = time.Now()
	b.mu.Unlock()
	return status, nil
}

func (b *Backend) effectiveTTL() time.Duration {
	if b.CacheTTL > 0 {
		return b.CacheTTL
	}
	return defaultCacheTTL
}

// ValidateData reports file: only, per spec.md §6's "any batch" row.
func (b *Backend) ValidateData(scheme string) bool {
	return dataurl.Batch.Validate(scheme)
}

// Close releases the underlying transport connection.
func (b *Backend) Close() error {
	return b.Transport.Close()
}

func buildScript(t *task.Task, remoteDir string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("cd " + remoteDir + "\n")
	for k, v := range t.Env {
		sb.WriteString(fmt.Sprintf("export %s=%q\n", k, v))
	}
	sb.WriteString(strings.Join(quoteAll(t.Command), " "))
	sb.WriteString("\n")
	return sb.String()
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return out
}

func remoteStdoutPath(remoteDir string) string {
	return path.Join(remoteDir, "gridrunner.stdout")
}

// Package dialect carries the per-scheduler command templates, submit-output
// parsers, and status maps the batch back-end needs to talk to PBS/Torque,
// SGE/OGS, and LSF. Each dialect is a plain data record; batchbackend drives
// all of them through the same generic Submit/UpdateState/Cancel algorithm.
package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/state"
)

// Dialect is everything the generic batch back-end needs to know about one
// native scheduler flavor.
type Dialect struct {
	Name string

	// SubmitCmd builds the command line to submit a script at scriptPath,
	// optionally into queue (empty string means "use the default queue").
	SubmitCmd func(scriptPath, queue string) []string
	// ParseSubmitOutput extracts the native job ID from qsub/bsub's stdout.
	ParseSubmitOutput func(stdout string) (string, error)

	// StatCmd builds the command line to ask about a single native job ID.
	StatCmd func(jobID string) []string
	// ParseStat maps stat output to a canonical state, or ok=false if the
	// job is not listed (meaning: try accounting next).
	ParseStat func(stdout string, jobID string) (st state.State, ok bool)

	// AcctCmd builds the command line to ask the accounting subsystem about
	// a finished job ID. Some dialects (LSF) have no real accounting
	// command; AcctCmd may be nil, in which case Accounting's absence check
	// takes over (see AcctAbsenceCheck).
	AcctCmd func(jobID string) []string
	// ParseAcct parses accounting output into a terminal record. ok=false
	// means accounting has no record yet (keep waiting, within
	// accountingDelay).
	ParseAcct func(stdout string) (rec AccountingRecord, ok bool, err error)

	// AcctAbsenceCheck, when non-nil, is used instead of AcctCmd/ParseAcct
	// for dialects (LSF) whose accounting evidence is "job no longer
	// listed, plus its stdout file exists on disk". batchbackend calls this
	// with whether that stdout file exists.
	AcctAbsenceCheck func(statFileExists bool) (rec AccountingRecord, ok bool)

	// CancelCmd builds the command line to cancel a native job.
	CancelCmd func(jobID string) []string

	// StatusMap maps a native status token (as found by ParseStat) to a
	// canonical state.State. Never consulted directly by batchbackend —
	// ParseStat closes over it — but kept here so dialect definitions stay
	// declarative and StatusFor is testable in isolation.
	StatusMap map[string]state.State

	// ResourceCmds builds the sequence of command lines batchbackend must
	// run (and feed to ParseResourceStatus in the same order) to answer
	// GetResourceStatus. LSF needs three (lshosts -w, bqueues, bjobs per
	// spec.md §6); PBS/Torque and SGE/OGS answer from a single summary line
	// (qstat -Q and qstat -g c respectively).
	ResourceCmds func(queue string) [][]string
	// ParseResourceStatus parses the stdout of each command built by
	// ResourceCmds, in the same order, into a ResourceStatus. Any parse
	// failure means Updated stays false — per spec.md §7, errors during
	// GetResourceStatus never raise, they only flip the cached snapshot
	// stale.
	ParseResourceStatus func(outputs [][]byte) (backend.ResourceStatus, error)
}

// AccountingRecord is what a dialect's accounting command yields for a
// finished job: enough to synthesize a task.ReturnCode and wall/CPU/memory
// usage for overrun detection (spec.md §4.3, recovered from
// original_source/backends/{sge,pbs}.py's field parsing).
type AccountingRecord struct {
	ExitSignal    int
	ExitCode      int
	WallTimeSec   float64
	CPUTimeSec    float64
	MaxMemoryMiB  int64
}

// StatusFor looks up a native status token in m, returning state.Unknown if
// absent — native-status mapping is total per spec.md §8 property 5: an
// unrecognized status never raises, it just yields UNKNOWN.
func StatusFor(m map[string]state.State, native string) state.State {
	if st, ok := m[native]; ok {
		return st
	}
	return state.Unknown
}

// --- PBS/Torque -------------------------------------------------------

var pbsSubmitRe = regexp.MustCompile(`^(\d+)(\.\S+)?\s*$`)

// PBS is the PBS/Torque dialect: qsub/qstat|grep/tracejob/qdel, per spec.md §6.
var PBS = Dialect{
	Name: "pbs",
	SubmitCmd: func(scriptPath, queue string) []string {
		cmd := []string{"qsub"}
		if queue != "" {
			cmd = append(cmd, "-q", queue)
		}
		return append(cmd, scriptPath)
	},
	ParseSubmitOutput: func(stdout string) (string, error) {
		for _, line := range splitLines(stdout) {
			if m := pbsSubmitRe.FindStringSubmatch(line); m != nil {
				return line, nil
			}
		}
		return "", fmt.Errorf("pbs: no numeric job id in qsub output: %q", stdout)
	},
	StatCmd: func(jobID string) []string {
		return []string{"sh", "-c", fmt.Sprintf("qstat %s | grep %s", jobID, jobID)}
	},
	ParseStat: func(stdout string, jobID string) (state.State, bool) {
		for _, line := range splitLines(stdout) {
			if !strings.Contains(line, jobID) {
				continue
			}
			fields := splitFields(line)
			if len(fields) < 5 {
				return state.Unknown, false
			}
			return StatusFor(pbsStatusMap, fields[4]), true
		}
		return state.Unknown, false
	},
	AcctCmd: func(jobID string) []string {
		return []string{"tracejob", jobID}
	},
	ParseAcct: func(stdout string) (AccountingRecord, bool, error) {
		if stdout == "" {
			return AccountingRecord{}, false, nil
		}
		rec := AccountingRecord{}
		if v, ok := grepValue(stdout, `resources_used\.walltime=(\S+)`); ok {
			rec.WallTimeSec = parseHHMMSS(v)
		}
		if v, ok := grepValue(stdout, `resources_used\.cput=(\S+)`); ok {
			rec.CPUTimeSec = parseHHMMSS(v)
		}
		if v, ok := grepValue(stdout, `resources_used\.mem=(\d+)kb`); ok {
			kb, _ := strconv.ParseInt(v, 10, 64)
			rec.MaxMemoryMiB = kb / 1024
		}
		if v, ok := grepValue(stdout, `Exit_status=(-?\d+)`); ok {
			code, _ := strconv.Atoi(v)
			rec.ExitCode = code
		} else {
			return AccountingRecord{}, false, nil
		}
		return rec, true, nil
	},
	CancelCmd: func(jobID string) []string {
		return []string{"qdel", jobID}
	},
	StatusMap: pbsStatusMap,
	ResourceCmds: func(queue string) [][]string {
		return [][]string{{"qstat", "-Q", queue}}
	},
	ParseResourceStatus: func(outputs [][]byte) (backend.ResourceStatus, error) {
		if len(outputs) != 1 {
			return backend.ResourceStatus{}, fmt.Errorf("pbs: expected 1 output, got %d", len(outputs))
		}
		// qstat -Q <queue>\nQueue Max Tot Ena Str Que Run Hld Wat Trn Ext\n---- ...\n<name> <max> <tot> <ena> <str> <que> <run> ...
		lines := splitLines(string(outputs[0]))
		if len(lines) < 3 {
			return backend.ResourceStatus{}, fmt.Errorf("pbs: short qstat -Q output")
		}
		fields := splitFields(lines[2])
		if len(fields) < 7 {
			return backend.ResourceStatus{}, fmt.Errorf("pbs: unexpected qstat -Q field count")
		}
		total, _ := strconv.Atoi(fields[2])
		queued, _ := strconv.Atoi(fields[5])
		run, _ := strconv.Atoi(fields[6])
		return backend.ResourceStatus{
			FreeSlots:   0, // PBS exposes no free-slot count this way; left at 0
			UserRunning: run,
			UserQueued:  queued,
			TotalQueued: total,
			Updated:     true,
		}, nil
	},
}

var pbsStatusMap = map[string]state.State{
	"Q": state.Submitted,
	"W": state.Submitted,
	"H": state.Stopped,
	"T": state.Submitted,
	"R": state.Running,
	"E": state.Terminating,
	"C": state.Terminated,
	"S": state.Stopped,
}

// --- SGE/OGS ------------------------------------------------------------

var sgeSubmitRe = regexp.MustCompile(`Your job (\d+) \(".*"\) has been submitted`)

// SGE is the SGE/OGS dialect: qsub/qstat/qacct -j/qdel, per spec.md §6.
var SGE = Dialect{
	Name: "sge",
	SubmitCmd: func(scriptPath, queue string) []string {
		cmd := []string{"qsub"}
		if queue != "" {
			cmd = append(cmd, "-q", queue)
		}
		return append(cmd, scriptPath)
	},
	ParseSubmitOutput: func(stdout string) (string, error) {
		m := sgeSubmitRe.FindStringSubmatch(stdout)
		if m == nil {
			return "", fmt.Errorf("sge: submit output did not match %q: %q", sgeSubmitRe.String(), stdout)
		}
		return m[1], nil
	},
	StatCmd: func(jobID string) []string {
		return []string{"qstat", "-j", jobID}
	},
	ParseStat: func(stdout string, jobID string) (state.State, bool) {
		if stdout == "" {
			return state.Unknown, false
		}
		v, ok := grepValue(stdout, `job_state:?\s+(\S+)`)
		if !ok {
			return state.Unknown, false
		}
		return StatusFor(sgeStatusMap, v), true
	},
	AcctCmd: func(jobID string) []string {
		return []string{"qacct", "-j", jobID}
	},
	ParseAcct: func(stdout string) (AccountingRecord, bool, error) {
		if stdout == "" {
			return AccountingRecord{}, false, nil
		}
		rec := AccountingRecord{}
		if v, ok := grepValue(stdout, `ru_wallclock\s+(\S+)`); ok {
			f, _ := strconv.ParseFloat(v, 64)
			rec.WallTimeSec = f
		}
		var utime, stime float64
		if v, ok := grepValue(stdout, `ru_utime\s+(\S+)`); ok {
			utime, _ = strconv.ParseFloat(v, 64)
		}
		if v, ok := grepValue(stdout, `ru_stime\s+(\S+)`); ok {
			stime, _ = strconv.ParseFloat(v, 64)
		}
		rec.CPUTimeSec = utime + stime
		if v, ok := grepValue(stdout, `maxvmem\s+(\S+)`); ok {
			rec.MaxMemoryMiB = parseSGEMemToMiB(v)
		}
		code, ok := grepValue(stdout, `exit_status\s+(-?\d+)`)
		if !ok {
			return AccountingRecord{}, false, nil
		}
		rec.ExitCode, _ = strconv.Atoi(code)
		return rec, true, nil
	},
	CancelCmd: func(jobID string) []string {
		return []string{"qdel", jobID}
	},
	StatusMap: sgeStatusMap,
	ResourceCmds: func(queue string) [][]string {
		return [][]string{{"qstat", "-g", "c"}}
	},
	ParseResourceStatus: func(outputs [][]byte) (backend.ResourceStatus, error) {
		if len(outputs) != 1 {
			return backend.ResourceStatus{}, fmt.Errorf("sge: expected 1 output, got %d", len(outputs))
		}
		lines := splitLines(string(outputs[0]))
		if len(lines) < 3 {
			return backend.ResourceStatus{}, fmt.Errorf("sge: short qstat -g c output")
		}
		// CLUSTER QUEUE  CQLOAD  USED  RES  AVAIL  TOTAL  aoACDS  cdsuE
		// (the queue name is one field in data rows, so AVAIL is fields[4])
		fields := splitFields(lines[2])
		if len(fields) < 6 {
			return backend.ResourceStatus{}, fmt.Errorf("sge: unexpected qstat -g c field count")
		}
		used, _ := strconv.Atoi(fields[2])
		avail, _ := strconv.Atoi(fields[4])
		return backend.ResourceStatus{
			FreeSlots:   avail,
			UserRunning: used,
			Updated:     true,
		}, nil
	},
}

var sgeStatusMap = map[string]state.State{
	"qw": state.Submitted,
	"hqw": state.Submitted,
	"t":  state.Submitted,
	"r":  state.Running,
	"s":  state.Stopped,
	"S":  state.Stopped,
	"T":  state.Stopped,
	"dr": state.Terminating,
	"Eqw": state.Unknown,
}

// --- LSF ------------------------------------------------------------

var lsfSubmitRe = regexp.MustCompile(`Job <(\d+)> is submitted`)

// LSF is the LSF dialect: bsub/bjobs -w -W/absence-check/bkill, per spec.md
// §6. Accounting has no dedicated command; a finished job's evidence is its
// disappearance from bjobs plus the existence of its stdout file, checked by
// batchbackend via AcctAbsenceCheck.
var LSF = Dialect{
	Name: "lsf",
	SubmitCmd: func(scriptPath, queue string) []string {
		cmd := []string{"bsub"}
		if queue != "" {
			cmd = append(cmd, "-q", queue)
		}
		return append(cmd, "<", scriptPath)
	},
	ParseSubmitOutput: func(stdout string) (string, error) {
		m := lsfSubmitRe.FindStringSubmatch(stdout)
		if m == nil {
			return "", fmt.Errorf("lsf: submit output did not match %q: %q", lsfSubmitRe.String(), stdout)
		}
		return m[1], nil
	},
	StatCmd: func(jobID string) []string {
		return []string{"bjobs", "-w", "-W", jobID}
	},
	ParseStat: func(stdout string, jobID string) (state.State, bool) {
		lines := splitLines(stdout)
		if len(lines) < 2 {
			return state.Unknown, false
		}
		fields := splitFields(lines[1])
		if len(fields) < 3 {
			return state.Unknown, false
		}
		return StatusFor(lsfStatusMap, fields[2]), true
	},
	AcctCmd: nil,
	ParseAcct: nil,
	AcctAbsenceCheck: func(statFileExists bool) (AccountingRecord, bool) {
		if !statFileExists {
			return AccountingRecord{}, false
		}
		// LSF gives no exit-status detail through this evidence alone;
		// batchbackend treats this as "terminated, exit status unknown"
		// and leaves ExitCode at its zero value.
		return AccountingRecord{}, true
	},
	CancelCmd: func(jobID string) []string {
		return []string{"bkill", jobID}
	},
	StatusMap: lsfStatusMap,
	// ResourceCmds runs all three commands spec.md §6 names for LSF
	// resource status: lshosts -w (host inventory), bqueues (queue
	// capacity), bjobs (current load).
	ResourceCmds: func(queue string) [][]string {
		cmds := [][]string{{"lshosts", "-w"}, {"bqueues"}}
		if queue != "" {
			cmds = append(cmds, []string{"bjobs", "-u", "all", "-q", queue})
		} else {
			cmds = append(cmds, []string{"bjobs", "-u", "all"})
		}
		return cmds
	},
	ParseResourceStatus: func(outputs [][]byte) (backend.ResourceStatus, error) {
		if len(outputs) != 3 {
			return backend.ResourceStatus{}, fmt.Errorf("lsf: expected 3 outputs, got %d", len(outputs))
		}
		bqueuesLines := splitLines(string(outputs[1]))
		if len(bqueuesLines) < 2 {
			return backend.ResourceStatus{}, fmt.Errorf("lsf: short bqueues output")
		}
		// QUEUE_NAME PRIO STATUS MAX JL/U JL/P JL/H NJOBS PEND RUN SUSP
		fields := splitFields(bqueuesLines[1])
		if len(fields) < 11 {
			return backend.ResourceStatus{}, fmt.Errorf("lsf: unexpected bqueues field count")
		}
		pend, _ := strconv.Atoi(fields[8])

		bjobsLines := splitLines(string(outputs[2]))
		userRunning, userQueued := 0, 0
		for _, line := range bjobsLines[1:] {
			f := splitFields(line)
			if len(f) < 3 {
				continue
			}
			switch f[2] {
			case "RUN":
				userRunning++
			case "PEND":
				userQueued++
			}
		}

		return backend.ResourceStatus{
			FreeSlots:   0, // lshosts -w carries per-host capacity, not a single free count
			UserRunning: userRunning,
			UserQueued:  userQueued,
			TotalQueued: pend,
			Updated:     true,
		}, nil
	},
}

var lsfStatusMap = map[string]state.State{
	"PEND": state.Submitted,
	"PSUSP": state.Stopped,
	"RUN":  state.Running,
	"USUSP": state.Stopped,
	"SSUSP": state.Stopped,
	"WAIT": state.Submitted,
	"DONE": state.Terminating,
	"EXIT": state.Terminating,
}

// ByName returns the named built-in dialect, grounded on spec.md §6's three
// required dialects.
func ByName(name string) (Dialect, bool) {
	switch name {
	case "pbs", "torque":
		return PBS, true
	case "sge", "ogs":
		return SGE, true
	case "lsf":
		return LSF, true
	default:
		return Dialect{}, false
	}
}

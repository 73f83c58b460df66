package dialect

import (
	"testing"

	"github.com/alphauslabs/gridrunner/state"
)

// ---------------------------------------------------------------------------
// parse helpers
// ---------------------------------------------------------------------------

func TestParseHHMMSS(t *testing.T) {
	cases := map[string]float64{
		"01:02:03": 3723,
		"02:03":    123,
		"45":       45,
		"garbage":  0,
	}
	for in, want := range cases {
		if got := parseHHMMSS(in); got != want {
			t.Errorf("parseHHMMSS(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseSGEMemToMiB(t *testing.T) {
	cases := map[string]int64{
		"512M":  512,
		"2G":    2048,
		"1024K": 1,
		"":      0,
	}
	for in, want := range cases {
		if got := parseSGEMemToMiB(in); got != want {
			t.Errorf("parseSGEMemToMiB(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGrepValue(t *testing.T) {
	v, ok := grepValue("exit_status   0\n", `exit_status\s+(-?\d+)`)
	if !ok || v != "0" {
		t.Errorf("grepValue() = (%q, %v), want (\"0\", true)", v, ok)
	}
	if _, ok := grepValue("nothing here", `exit_status\s+(-?\d+)`); ok {
		t.Error("grepValue() matched when it shouldn't have")
	}
}

func TestStatusFor_UnknownNativeStatus(t *testing.T) {
	if got := StatusFor(pbsStatusMap, "bogus"); got != state.Unknown {
		t.Errorf("StatusFor(unknown) = %s, want UNKNOWN", got)
	}
}

// ---------------------------------------------------------------------------
// ByName
// ---------------------------------------------------------------------------

func TestByName(t *testing.T) {
	cases := map[string]string{"pbs": "pbs", "torque": "pbs", "sge": "sge", "ogs": "sge", "lsf": "lsf"}
	for in, wantName := range cases {
		d, ok := ByName(in)
		if !ok {
			t.Errorf("ByName(%q) not found", in)
			continue
		}
		if d.Name != wantName {
			t.Errorf("ByName(%q).Name = %q, want %q", in, d.Name, wantName)
		}
	}
	if _, ok := ByName("slurm"); ok {
		t.Error("ByName(\"slurm\") found, want not found")
	}
}

// ---------------------------------------------------------------------------
// PBS
// ---------------------------------------------------------------------------

func TestPBS_ParseSubmitOutput(t *testing.T) {
	id, err := PBS.ParseSubmitOutput("12345.frontend\n")
	if err != nil || id != "12345.frontend" {
		t.Errorf("ParseSubmitOutput() = (%q, %v), want (\"12345.frontend\", nil)", id, err)
	}
	if _, err := PBS.ParseSubmitOutput("qsub: submit error\n"); err == nil {
		t.Error("ParseSubmitOutput() on garbage succeeded, want error")
	}
}

func TestPBS_ParseStat(t *testing.T) {
	out := "Job id            Name             User            Time Use S Queue\n" +
		"----------------  ---------------- --------------- -------- - -----\n" +
		"12345.frontend    myjob            alice           00:01:23 R batch\n"
	st, ok := PBS.ParseStat(out, "12345.frontend")
	if !ok || st != state.Running {
		t.Errorf("ParseStat() = (%s, %v), want (RUNNING, true)", st, ok)
	}
}

func TestPBS_ParseStat_ShortLine(t *testing.T) {
	if _, ok := PBS.ParseStat("too short\n", "12345"); ok {
		t.Error("ParseStat() on a too-short line reported ok, want false")
	}
}

func TestPBS_ParseAcct(t *testing.T) {
	out := "Exit_status=0\nresources_used.walltime=00:10:00\nresources_used.cput=00:05:00\nresources_used.mem=204800kb\n"
	rec, ok, err := PBS.ParseAcct(out)
	if err != nil || !ok {
		t.Fatalf("ParseAcct() = (%+v, %v, %v), want ok", rec, ok, err)
	}
	if rec.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", rec.ExitCode)
	}
	if rec.WallTimeSec != 600 {
		t.Errorf("WallTimeSec = %v, want 600", rec.WallTimeSec)
	}
	if rec.MaxMemoryMiB != 200 {
		t.Errorf("MaxMemoryMiB = %d, want 200", rec.MaxMemoryMiB)
	}
}

func TestPBS_ParseAcct_NoRecordYet(t *testing.T) {
	_, ok, err := PBS.ParseAcct("")
	if ok || err != nil {
		t.Errorf("ParseAcct(\"\") = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestPBS_ParseResourceStatus(t *testing.T) {
	out := "Queue        Max   Tot Ena Str  Que  Run  Hld  Wat  Trn  Ext\n" +
		"----------   ---   --- --- ---  ---  ---  ---  ---  ---  ---\n" +
		"batch        0      42   yes yes   10    5    2    0    0    0\n"
	st, err := PBS.ParseResourceStatus([][]byte{[]byte(out)})
	if err != nil {
		t.Fatalf("ParseResourceStatus: %v", err)
	}
	if st.TotalQueued != 42 {
		t.Errorf("TotalQueued = %d, want 42", st.TotalQueued)
	}
	if st.UserRunning != 5 || st.UserQueued != 10 {
		t.Errorf("UserRunning/UserQueued = %d/%d, want 5/10", st.UserRunning, st.UserQueued)
	}
	if !st.Updated {
		t.Error("Updated = false, want true")
	}
}

// ---------------------------------------------------------------------------
// SGE
// ---------------------------------------------------------------------------

func TestSGE_ParseSubmitOutput(t *testing.T) {
	id, err := SGE.ParseSubmitOutput(`Your job 98765 ("myjob") has been submitted`)
	if err != nil || id != "98765" {
		t.Errorf("ParseSubmitOutput() = (%q, %v), want (\"98765\", nil)", id, err)
	}
}

func TestSGE_ParseStat(t *testing.T) {
	out := "job_number:                 98765\njob_state:                   r\n"
	st, ok := SGE.ParseStat(out, "98765")
	if !ok || st != state.Running {
		t.Errorf("ParseStat() = (%s, %v), want (RUNNING, true)", st, ok)
	}
}

func TestSGE_ParseAcct(t *testing.T) {
	out := "ru_wallclock 120.0\nru_utime     10.0\nru_stime     2.0\nmaxvmem      512M\nexit_status  1\n"
	rec, ok, err := SGE.ParseAcct(out)
	if err != nil || !ok {
		t.Fatalf("ParseAcct() = (%+v, %v, %v), want ok", rec, ok, err)
	}
	if rec.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", rec.ExitCode)
	}
	if rec.CPUTimeSec != 12 {
		t.Errorf("CPUTimeSec = %v, want 12", rec.CPUTimeSec)
	}
	if rec.MaxMemoryMiB != 512 {
		t.Errorf("MaxMemoryMiB = %d, want 512", rec.MaxMemoryMiB)
	}
}

func TestSGE_ParseResourceStatus(t *testing.T) {
	out := "CLUSTER QUEUE                 CQLOAD  USED  RES  AVAIL  TOTAL aoACDS  cdsuE\n" +
		"--------------------------------------------------------------------\n" +
		"all.q                          0.01     3    0     17     20      0      0\n"
	st, err := SGE.ParseResourceStatus([][]byte{[]byte(out)})
	if err != nil {
		t.Fatalf("ParseResourceStatus: %v", err)
	}
	if st.FreeSlots != 17 {
		t.Errorf("FreeSlots = %d, want 17", st.FreeSlots)
	}
	if st.UserRunning != 3 {
		t.Errorf("UserRunning = %d, want 3", st.UserRunning)
	}
}

// ---------------------------------------------------------------------------
// LSF
// ---------------------------------------------------------------------------

func TestLSF_ParseSubmitOutput(t *testing.T) {
	id, err := LSF.ParseSubmitOutput("Job <55555> is submitted to default queue <normal>.")
	if err != nil || id != "55555" {
		t.Errorf("ParseSubmitOutput() = (%q, %v), want (\"55555\", nil)", id, err)
	}
}

func TestLSF_ParseStat(t *testing.T) {
	out := "JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME   SUBMIT_TIME\n" +
		"55555   alice   RUN   normal     login01     node03      myjob      Jan  1 00:00\n"
	st, ok := LSF.ParseStat(out, "55555")
	if !ok || st != state.Running {
		t.Errorf("ParseStat() = (%s, %v), want (RUNNING, true)", st, ok)
	}
}

func TestLSF_AcctAbsenceCheck(t *testing.T) {
	rec, ok := LSF.AcctAbsenceCheck(true)
	if !ok {
		t.Fatal("AcctAbsenceCheck(true) = false, want true")
	}
	if rec.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0 (unknown)", rec.ExitCode)
	}
	if _, ok := LSF.AcctAbsenceCheck(false); ok {
		t.Error("AcctAbsenceCheck(false) = true, want false")
	}
}

func TestLSF_ParseResourceStatus(t *testing.T) {
	lshosts := "HOST_NAME      type    model  cpuf ncpus maxmem maxswp server RESOURCES\n" +
		"node01         LINUX  Intel   60.0     8  32000L 4000L    Yes  ()\n"
	bqueues := "QUEUE_NAME  PRIO STATUS     MAX  JL/U JL/P JL/H  NJOBS  PEND   RUN  SUSP\n" +
		"normal       30  Open:Active   -     -    -    -     12     7     5     0\n"
	bjobs := "JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME   SUBMIT_TIME\n" +
		"1       alice   RUN   normal     login01     node01      j1         Jan  1 00:00\n" +
		"2       alice   PEND  normal     login01     -           j2         Jan  1 00:01\n"
	st, err := LSF.ParseResourceStatus([][]byte{[]byte(lshosts), []byte(bqueues), []byte(bjobs)})
	if err != nil {
		t.Fatalf("ParseResourceStatus: %v", err)
	}
	if st.TotalQueued != 7 {
		t.Errorf("TotalQueued = %d, want 7", st.TotalQueued)
	}
	if st.UserRunning != 1 || st.UserQueued != 1 {
		t.Errorf("UserRunning/UserQueued = %d/%d, want 1/1", st.UserRunning, st.UserQueued)
	}
}

func TestLSF_ParseResourceStatus_WrongOutputCount(t *testing.T) {
	if _, err := LSF.ParseResourceStatus([][]byte{[]byte("only one")}); err == nil {
		t.Error("ParseResourceStatus() with 1 output succeeded, want error")
	}
}

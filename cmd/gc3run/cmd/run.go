package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/task"

	_ "github.com/alphauslabs/gridrunner/batchbackend"
	_ "github.com/alphauslabs/gridrunner/cloudbackend"
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Submit one task to a back-end and poll it to completion",
	Long:  "gc3run run --backend pbs --cores 1 --wall-time 10m -- echo hello",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("backend", "", "back-end kind: pbs, torque, sge, ogs, lsf, ec2, openstack (required)")
	runCmd.Flags().Int("cores", 0, "cores requested")
	runCmd.Flags().String("memory-per-core", "", "memory per core, e.g. 2GiB")
	runCmd.Flags().Duration("wall-time", 0, "wall-time limit")
	runCmd.Flags().Duration("poll-interval", 5*time.Second, "interval between UpdateState polls")
	runCmd.Flags().String("output-dir", ".", "directory results are fetched into")
}

func runRun(cmd *cobra.Command, args []string) error {
	dashIdx := cmd.ArgsLenAtDash()
	if dashIdx < 0 || dashIdx >= len(args) {
		return fmt.Errorf("no command given: use -- <command> [args...]")
	}
	command := args[dashIdx:]

	backendKind, _ := cmd.Flags().GetString("backend")
	if backendKind == "" {
		return fmt.Errorf("--backend is required")
	}

	cores, _ := cmd.Flags().GetInt("cores")
	memStr, _ := cmd.Flags().GetString("memory-per-core")
	wallTime, _ := cmd.Flags().GetDuration("wall-time")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	outputDir, _ := cmd.Flags().GetString("output-dir")

	memPerCore, err := parseMemory(memStr)
	if err != nil {
		return err
	}

	b, err := backend.New(backendKind, envConfig())
	if err != nil {
		return fmt.Errorf("build back-end %q: %w", backendKind, err)
	}
	defer b.Close()

	t := task.New(command, task.Requested{
		Cores:         cores,
		MemoryPerCore: memPerCore,
		WallTime:      wallTime,
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("submitting task %s (%s)", t.ID, strings.Join(command, " "))
	if err := retrySubmit(sigCtx, b, t, pollInterval); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	log.Printf("task %s submitted, handle=%s", t.ID, t.Handle)

	if err := pollUntilDone(sigCtx, b, t, pollInterval); err != nil {
		return err
	}

	if t.ReturnCode != nil {
		log.Printf("task %s finished: exit=%d signal=%d", t.ID, t.ReturnCode.Exit, t.ReturnCode.Signal)
	}

	if err := b.GetResults(sigCtx, t, outputDir, true, false); err != nil {
		log.Printf("warning: fetch results: %v", err)
	}

	if err := b.Free(sigCtx, t); err != nil {
		log.Printf("warning: free task scratch: %v", err)
	}

	if t.ReturnCode != nil && !t.ReturnCode.OK() {
		os.Exit(1)
	}
	return nil
}

// retrySubmit handles a cloud back-end's ResourceNotReadyError by waiting
// and retrying, per spec.md §4.5's "no capacity yet, try again later"
// contract.
func retrySubmit(ctx context.Context, b backend.ExecutionBackend, t *task.Task, interval time.Duration) error {
	for {
		err := b.Submit(ctx, t)
		if err == nil {
			return nil
		}
		notReady, ok := err.(*backend.ResourceNotReadyError)
		if !ok {
			return err
		}
		log.Printf("task %s not ready: %s, retrying in %s", t.ID, notReady.Reason, interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func pollUntilDone(ctx context.Context, b backend.ExecutionBackend, t *task.Task, interval time.Duration) error {
	for {
		if err := b.UpdateState(ctx, t); err != nil {
			log.Printf("task %s: update state: %v", t.ID, err)
		}
		if t.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// envConfig collects GC3RUN_-prefixed environment variables into the
// name/value record spec.md §6 specifies as a back-end's construction
// input. The text after the prefix is used verbatim as the key, so callers
// set the exact camelCase key config.LoadBatchConfig/LoadCloudConfig expect
// after the prefix (GC3RUN_maxCores -> "maxCores").
func envConfig() map[string]string {
	cfg := map[string]string{}
	const prefix = "GC3RUN_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(kv, prefix), "=", 2)
		if len(parts) != 2 {
			continue
		}
		cfg[parts[0]] = parts[1]
	}
	return cfg
}

// parseMemory accepts a bare MiB integer or a "<n>GiB" suffix.
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "GiB") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "GiB"), 64)
		if err != nil {
			return 0, fmt.Errorf("memory-per-core: %w", err)
		}
		return int64(v * 1024), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory-per-core: %w", err)
	}
	return v, nil
}

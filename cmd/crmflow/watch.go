package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crmflow/internal/brief"
	"crmflow/internal/daemon"
	"crmflow/internal/guardrails"
	"crmflow/internal/notify"
	"crmflow/internal/payload"
	"crmflow/internal/retrieval"
	"crmflow/internal/workspace"
)

const (
	jobKBIngest   = "kb_ingest"
	jobBriefBatch = "brief_batch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-index knowledge and run new briefs as files change",
	Long: `Polls the knowledge and briefs directories. Changed knowledge files queue
a re-index; new or changed briefs create their runs and drive them to
candidates. Jobs are queued in data/jobs.sqlite and survive restarts.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List watch jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

var (
	watchOnce     bool
	watchInterval time.Duration

	jobsStatus string
	jobsLimit  int
)

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Scan once, run queued jobs and exit")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Poll interval (default: watch.interval)")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Only list jobs with this status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to list")
}

func runWatch(cmd *cobra.Command, args []string) error {
	var ctx context.Context
	var cancel context.CancelFunc
	if watchOnce {
		ctx, cancel = commandContext(cmd)
	} else {
		// The loop runs until interrupted, not until --timeout.
		ctx, cancel = signalContext(cmd)
	}
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := daemon.Open(a.ws.JobsDBPath)
	if err != nil {
		return err
	}
	defer jobs.Close()

	interval := watchInterval
	if interval <= 0 {
		interval = cfg.Watch.Interval
	}
	d, err := daemon.New(daemon.Config{
		Store: jobs,
		Watches: []daemon.Watch{
			{Name: "knowledge", Dir: a.ws.KnowledgeDir, Exts: []string{".md", ".markdown", ".txt"}, JobType: jobKBIngest},
			{Name: "briefs", Dir: a.ws.BriefsDir, Exts: []string{".yml", ".yaml"}, JobType: jobBriefBatch},
		},
		Handlers: map[string]daemon.HandlerFunc{
			jobKBIngest:   a.handleKBIngest,
			jobBriefBatch: a.handleBriefBatch,
		},
		Logger:       a.logger.Named("daemon"),
		Audit:        a.audit,
		PollInterval: interval,
	})
	if err != nil {
		return err
	}

	if watchOnce {
		res, err := d.Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d, succeeded %d, failed %d\n", res.Enqueued, res.Succeeded, res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("%d jobs failed", res.Failed)
		}
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s every %s (Ctrl-C to stop)\n", a.ws.Root, interval)
	return d.Run(ctx)
}

func (a *app) handleKBIngest(ctx context.Context, job *daemon.Job) (payload.Payload, error) {
	idx, err := a.openIndex()
	if err != nil {
		return nil, err
	}
	dir := a.ws.KnowledgeDir
	hash, err := retrieval.SourceHash(dir)
	if err != nil {
		return nil, err
	}
	for _, rel := range job.Payload.Strings("deleted") {
		if err := idx.DeleteSource(ctx, rel); err != nil {
			return nil, err
		}
	}
	res, err := idx.IngestDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	a.logEvent(ctx, kbIngestedEvent, map[string]any{
		"dir":     dir,
		"hash":    hash,
		"files":   res.Files,
		"chunks":  res.Chunks,
		"trigger": "watch",
	})
	return payload.Payload{"files": res.Files, "chunks": res.Chunks}, nil
}

// handleBriefBatch creates runs for changed briefs that have none and drives
// every changed brief's run to candidates.
func (a *app) handleBriefBatch(ctx context.Context, job *daemon.Job) (payload.Payload, error) {
	var docs []brief.Document
	for _, rel := range job.Payload.Strings("changed") {
		doc, err := brief.LoadFile(filepath.Join(a.ws.BriefsDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	reqs, err := a.batchRequests(ctx, docs)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return payload.Payload{"runs": []string{}}, nil
	}

	p, err := a.pipeline(ctx)
	if err != nil {
		return nil, err
	}
	results, err := p.RunBatch(ctx, reqs, cfg.Batch.Parallel)
	if err != nil {
		return nil, err
	}
	var done, failed []string
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.RunID)
			errs = append(errs, fmt.Errorf("%s: %w", r.RunID, r.Err))
			a.notifyFailure(r.RunID, r.Err)
			continue
		}
		done = append(done, r.RunID)
		passed, total := guardrails.PassedCount(r.State.Compliance)
		a.notify(notify.FormatAwaitingSelection(r.RunID, passed, total))
	}
	a.logger.Info("brief batch finished", zap.Strings("done", done), zap.Strings("failed", failed))
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return payload.Payload{"runs": done}, nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	ws, err := workspace.Resolve(workspacePath)
	if err != nil {
		return err
	}
	jobs, err := daemon.Open(ws.JobsDBPath)
	if err != nil {
		return err
	}
	defer jobs.Close()

	list, err := jobs.ListJobs(ctx, strings.ToLower(jobsStatus), jobsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}
	for _, j := range list {
		detail := strings.Join(j.Payload.Strings("changed"), ",")
		if msg := j.Result.String("error"); msg != "" {
			detail = msg
		}
		fmt.Fprintf(out, "%s  %-12s %-10s %d  %s\n", j.ScheduledAt.Format(time.RFC3339), j.Type, j.Status, j.Attempts, detail)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crmflow/internal/brief"
	"crmflow/internal/guardrails"
	"crmflow/internal/history"
	"crmflow/internal/notify"
	"crmflow/internal/payload"
	"crmflow/internal/pipeline"
	"crmflow/internal/store"
)

var runCandidatesCmd = &cobra.Command{
	Use:   "candidates <run-id>",
	Short: "Run the pipeline up to template candidates and compliance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCandidates,
}

var runSelectCmd = &cobra.Command{
	Use:   "select <run-id>",
	Short: "Select a template and render the final message",
	Long: `Records the selected template and re-runs the pipeline through execute.
The template is looked up by id among the run's latest candidates, or read
from a JSON file with template_id, title and body_with_slots. Templates that
did not pass compliance are refused unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runSelect,
}

var runHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "List a run's handoffs, optionally with diffs between attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var runEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "List audit events recorded for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var runBatchCmd = &cobra.Command{
	Use:   "batch [briefs-dir]",
	Short: "Create missing runs from briefs and run each to candidates",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBatch,
}

var (
	candidatesChannel string
	candidatesTone    string
	candidatesJSON    bool

	selectTemplate string
	selectFile     string
	selectForce    bool

	historyStage string
	historyDiff  bool

	batchParallel int
)

func init() {
	runCandidatesCmd.Flags().StringVar(&candidatesChannel, "channel", "", "Override the run channel")
	runCandidatesCmd.Flags().StringVar(&candidatesTone, "tone", "", "Override the run tone")
	runCandidatesCmd.Flags().BoolVar(&candidatesJSON, "json", false, "Print the final state as JSON")

	runSelectCmd.Flags().StringVar(&selectTemplate, "template", "", "Template id from the latest candidates")
	runSelectCmd.Flags().StringVar(&selectFile, "file", "", "Selection JSON file")
	runSelectCmd.Flags().BoolVar(&selectForce, "force", false, "Select even if the template did not pass compliance")
	runSelectCmd.MarkFlagsMutuallyExclusive("template", "file")
	runSelectCmd.MarkFlagsOneRequired("template", "file")

	runHistoryCmd.Flags().StringVar(&historyStage, "stage", "", "Only show handoffs of this stage")
	runHistoryCmd.Flags().BoolVar(&historyDiff, "diff", false, "Show payloads and diffs between handoffs of the same stage")

	runBatchCmd.Flags().IntVar(&batchParallel, "parallel", 0, "Maximum runs in flight (default: batch.parallel)")
}

func runCandidates(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	runID := args[0]
	st, err := p.RunUntilCandidates(ctx, runID, strings.ToUpper(candidatesChannel), candidatesTone)
	if err != nil {
		a.notifyFailure(runID, err)
		return err
	}

	passed, total := guardrails.PassedCount(st.Compliance)
	a.notify(notify.FormatAwaitingSelection(runID, passed, total))

	out := cmd.OutOrStdout()
	if candidatesJSON {
		return printJSON(out, st.Payload())
	}
	printCandidates(out, st)
	fmt.Fprintf(out, "\n%d of %d candidates passed compliance. Select one with:\n", passed, total)
	fmt.Fprintf(out, "  %s run select --workspace %s %s --template <template_id>\n", appName, a.ws.Root, runID)
	return nil
}

func printCandidates(w io.Writer, st pipeline.State) {
	status := make(map[string]payload.Payload)
	for _, r := range st.Compliance.Maps("results") {
		status[r.String("template_id")] = r
	}
	fmt.Fprintf(w, "Run %s  channel=%s  audience=%d\n", st.RunID, st.Channel, st.Target.Map("audience").Int("count"))
	fmt.Fprintf(w, "Filters: %s\n", st.Target.String("target_input_summary"))
	for _, c := range st.Candidates.Maps("candidates") {
		id := c.String("template_id")
		r := status[id]
		line := fmt.Sprintf("\n[%s] %s  %s", r.String("status"), id, c.String("title"))
		if reasons := r.Strings("reasons"); len(reasons) > 0 {
			line += "  (" + strings.Join(reasons, "; ") + ")"
		}
		fmt.Fprintln(w, line)
		fmt.Fprintln(w, indent(c.String("body_with_slots"), "    "))
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func (a *app) notifyFailure(runID string, err error) {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		a.notify(notify.FormatFailed(runID, se.Stage))
	}
}

func runSelect(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID := args[0]
	var selected payload.Payload
	if selectFile != "" {
		path, err := a.ws.ResolvePath(selectFile)
		if err != nil {
			return err
		}
		if selected, err = guardrails.ReadSelectionFile(path); err != nil {
			return err
		}
	} else {
		h, err := a.store.GetLatestHandoff(ctx, runID, store.StageTemplateCandidates)
		if err != nil {
			return err
		}
		if h == nil {
			return fmt.Errorf("run %s has no template candidates; run candidates first", runID)
		}
		c, err := guardrails.FindCandidate(h.Payload, selectTemplate)
		if err != nil {
			return err
		}
		selected = payload.Payload{
			"template_id":     c.String("template_id"),
			"title":           c.String("title"),
			"body_with_slots": c.String("body_with_slots"),
		}
	}

	if !selectForce {
		var compliance payload.Payload
		h, err := a.store.GetLatestHandoff(ctx, runID, store.StageCompliance)
		if err != nil {
			return err
		}
		if h != nil {
			compliance = h.Payload
		}
		if err := guardrails.CheckSelectable(selected, compliance); err != nil {
			a.recordRunEvent(ctx, runID, "selection_refused", guardrails.BuildViolation("compliance", map[string]any{
				"template_id": selected.String("template_id"),
				"error":       guardrails.SanitizeErrorForJSON(err),
			}))
			return fmt.Errorf("%w (use --force to override)", err)
		}
	}

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	st, err := p.RunWithSelection(ctx, runID, selected)
	if err != nil {
		a.notifyFailure(runID, err)
		return err
	}
	audienceCount := st.Target.Map("audience").Int("count")
	a.notify(notify.FormatExecuted(runID, selected.String("template_id"), audienceCount))
	a.logger.Info("run executed",
		zap.String("run_id", runID),
		zap.String("template_id", selected.String("template_id")),
		zap.Int("audience", audienceCount),
	)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Executed run %s with template %s (audience %d)\n\n", runID, selected.String("template_id"), audienceCount)
	fmt.Fprintln(out, st.ExecutionResult.String("final_message"))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	handoffs, err := a.store.ListHandoffs(ctx, args[0], strings.ToUpper(historyStage))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(handoffs) == 0 {
		fmt.Fprintln(out, "No handoffs.")
		return nil
	}
	entries, err := history.Build(handoffs)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "#%d %-20s %s\n", e.Handoff.Seq, e.Handoff.StageName, e.Handoff.CreatedAt)
		if !historyDiff {
			continue
		}
		switch {
		case e.First:
			text, err := history.Render(e.Handoff.Payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, indent(strings.TrimRight(text, "\n"), "    "))
		case e.Diff == "":
			fmt.Fprintln(out, "    (unchanged)")
		default:
			fmt.Fprint(out, e.Diff)
		}
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.audit.Events(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, ev := range events {
		stage, _ := ev.Payload["stage"].(string)
		fmt.Fprintf(out, "%s  %-20s %-8s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Actor, stage)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.ws.BriefsDir
	if len(args) == 1 {
		if dir, err = a.ws.ResolvePath(args[0]); err != nil {
			return err
		}
	}
	docs, err := brief.LoadDir(dir)
	if err != nil {
		return err
	}

	reqs, err := a.batchRequests(ctx, docs)
	if err != nil {
		return err
	}

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	parallel := batchParallel
	if parallel <= 0 {
		parallel = cfg.Batch.Parallel
	}
	results, err := p.RunBatch(ctx, reqs, parallel)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			a.notifyFailure(r.RunID, r.Err)
			fmt.Fprintf(out, "%-12s FAILED  %v\n", r.RunID, r.Err)
			continue
		}
		passed, total := guardrails.PassedCount(r.State.Compliance)
		fmt.Fprintf(out, "%-12s OK      audience=%d passed=%d/%d\n", r.RunID, r.State.Target.Map("audience").Int("count"), passed, total)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(results))
	}
	return nil
}

// batchRequests creates the runs of docs that do not exist yet and returns one
// batch request per doc.
func (a *app) batchRequests(ctx context.Context, docs []brief.Document) ([]pipeline.BatchRequest, error) {
	reqs := make([]pipeline.BatchRequest, 0, len(docs))
	for _, doc := range docs {
		run, err := a.store.GetRun(ctx, doc.RunID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			if err := a.createRun(ctx, doc); err != nil {
				return nil, fmt.Errorf("create %s: %w", doc.RunID, err)
			}
		}
		reqs = append(reqs, pipeline.BatchRequest{RunID: doc.RunID, Channel: doc.Channel, Tone: doc.Tone})
	}
	return reqs, nil
}

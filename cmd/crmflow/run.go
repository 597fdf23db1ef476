package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"crmflow/internal/brief"
	"crmflow/internal/payload"
	"crmflow/internal/pipeline"
	"crmflow/internal/store"
	"crmflow/internal/targeting"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create, drive and inspect campaign runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a run from a brief file or flags",
	Long: `Creates a run header. With --brief the run id, goal, channel, tone and
brief fields come from the YAML file; flags given alongside override them.
A target section in the brief is resolved into an audience right away.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run header and its latest handoffs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var runTargetCmd = &cobra.Command{
	Use:   "target <run-id>",
	Short: "Resolve filter selections into an audience for a run",
	Long: `Records the filter selections and the audience they resolve to. Filters
come from flags or from a YAML file with gender, age_bands, skin_types and
concern_keywords lists. No filters selects every customer.`,
	Args: cobra.ExactArgs(1),
	RunE: runTarget,
}

var (
	createBriefFile string
	createID        string
	createGoal      string
	createChannel   string
	createTone      string

	listLimit int
	showJSON  bool

	targetFile     string
	targetGender   []string
	targetAgeBands []string
	targetSkin     []string
	targetConcerns []string
)

func init() {
	runCreateCmd.Flags().StringVar(&createBriefFile, "brief", "", "Brief YAML file")
	runCreateCmd.Flags().StringVar(&createID, "id", "", "Run id (default: generated)")
	runCreateCmd.Flags().StringVar(&createGoal, "goal", "", "Campaign goal")
	runCreateCmd.Flags().StringVar(&createChannel, "channel", "", "Delivery channel (default: PUSH at run time)")
	runCreateCmd.Flags().StringVar(&createTone, "tone", "", "Brand tone")

	runListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum runs to list")
	runShowCmd.Flags().BoolVar(&showJSON, "json", false, "Print the run as JSON")

	runTargetCmd.Flags().StringVar(&targetFile, "file", "", "Target YAML file")
	runTargetCmd.Flags().StringSliceVar(&targetGender, "gender", nil, "Gender filter (F, M)")
	runTargetCmd.Flags().StringSliceVar(&targetAgeBands, "age-band", nil, "Age band filter (e.g. 20s)")
	runTargetCmd.Flags().StringSliceVar(&targetSkin, "skin-type", nil, "Skin type filter")
	runTargetCmd.Flags().StringSliceVar(&targetConcerns, "concern", nil, "Concern keyword filter")

	runCmd.AddCommand(
		runCreateCmd,
		runListCmd,
		runShowCmd,
		runTargetCmd,
		runCandidatesCmd,
		runSelectCmd,
		runHistoryCmd,
		runEventsCmd,
		runBatchCmd,
	)
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	doc := brief.Document{}
	if createBriefFile != "" {
		path, err := a.ws.ResolvePath(createBriefFile)
		if err != nil {
			return err
		}
		if doc, err = brief.LoadFile(path); err != nil {
			return err
		}
	}
	if createID != "" {
		doc.RunID = createID
	}
	if createGoal != "" {
		doc.CampaignGoal = createGoal
	}
	if createChannel != "" {
		doc.Channel = strings.ToUpper(createChannel)
	}
	if createTone != "" {
		doc.Tone = createTone
	}
	if doc.RunID == "" {
		doc.RunID = newRunID()
	}

	existing, err := a.store.GetRun(ctx, doc.RunID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("run already exists: %s", doc.RunID)
	}
	if err := a.createRun(ctx, doc); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created run %s\n", doc.RunID)
	return nil
}

// createRun stores the run header for doc and resolves its target section.
func (a *app) createRun(ctx context.Context, doc brief.Document) error {
	if err := a.store.CreateRun(ctx, store.NewRun{
		ID:           doc.RunID,
		CampaignGoal: doc.CampaignGoal,
		Channel:      doc.Channel,
		Tone:         doc.Tone,
		Brief:        doc.Brief,
	}); err != nil {
		return err
	}
	a.recordRunEvent(ctx, doc.RunID, "run_created", map[string]any{
		"campaign_goal": doc.CampaignGoal,
		"channel":       doc.Channel,
		"source":        doc.Source,
	})
	if doc.Target == nil {
		return nil
	}
	_, err := a.applyTarget(ctx, doc.RunID, *doc.Target)
	return err
}

func (a *app) applyTarget(ctx context.Context, runID string, in targeting.TargetInput) (payload.Payload, error) {
	audience, err := a.resolver().Apply(ctx, a.store, runID, in)
	if err != nil {
		return nil, err
	}
	a.recordRunEvent(ctx, runID, "audience_resolved", map[string]any{
		"filters": pipeline.SummarizeTargetInput(in.Payload()),
		"count":   audience.Int("count"),
	})
	return audience, nil
}

func newRunID() string {
	return "R-" + strings.ToUpper(uuid.NewString()[:8])
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns(ctx, listLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs.")
		return nil
	}
	for _, r := range runs {
		step := r.CurrentStepID
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(out, "%-12s %-8s %-10s %s\n", r.ID, channelOrDefault(r.Channel), step, r.CampaignGoal)
	}
	return nil
}

func channelOrDefault(channel string) string {
	if channel == "" {
		return pipeline.DefaultChannel
	}
	return channel
}

var showStages = []string{
	store.StageBrief,
	store.StageTargetInput,
	store.StageTargetAudience,
	store.StageTarget,
	store.StageRAG,
	store.StageTemplateCandidates,
	store.StageCompliance,
	store.StageSelectedTemplate,
	store.StageExecutionResult,
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID := args[0]
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, runID)
	}
	latest := payload.Payload{}
	for _, stage := range showStages {
		h, err := a.store.GetLatestHandoff(ctx, runID, stage)
		if err != nil {
			return err
		}
		if h != nil {
			latest[stage] = h.Payload
		}
	}

	out := cmd.OutOrStdout()
	if showJSON {
		return printJSON(out, map[string]any{
			"run_id":          run.ID,
			"campaign_goal":   run.CampaignGoal,
			"channel":         run.Channel,
			"tone":            run.Tone,
			"brief":           run.Brief,
			"current_step_id": run.CurrentStepID,
			"candidate_id":    run.CandidateID,
			"rendered_text":   run.RenderedText,
			"created_at":      run.CreatedAt,
			"updated_at":      run.UpdatedAt,
			"handoffs":        latest,
		})
	}

	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Goal:     %s\n", run.CampaignGoal)
	fmt.Fprintf(out, "Channel:  %s\n", channelOrDefault(run.Channel))
	if run.Tone != "" {
		fmt.Fprintf(out, "Tone:     %s\n", run.Tone)
	}
	if run.CurrentStepID != "" {
		fmt.Fprintf(out, "Step:     %s\n", run.CurrentStepID)
	}
	if run.CandidateID != "" {
		fmt.Fprintf(out, "Template: %s\n", run.CandidateID)
	}
	if _, ok := latest[store.StageTarget]; ok {
		target := latest.Map(store.StageTarget)
		fmt.Fprintf(out, "Filters:  %s\n", target.String("target_input_summary"))
		fmt.Fprintf(out, "Audience: %d\n", target.Map("audience").Int("count"))
	}
	if _, ok := latest[store.StageCompliance]; ok {
		for _, r := range latest.Map(store.StageCompliance).Maps("results") {
			fmt.Fprintf(out, "  %-10s %s %s\n", r.String("template_id"), r.String("status"), strings.Join(r.Strings("reasons"), "; "))
		}
	}
	if run.RenderedText != "" {
		fmt.Fprintf(out, "Message:\n%s\n", run.RenderedText)
	}
	return nil
}

func runTarget(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID := args[0]
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, runID)
	}

	var in targeting.TargetInput
	if targetFile != "" {
		path, err := a.ws.ResolvePath(targetFile)
		if err != nil {
			return err
		}
		if in, err = brief.LoadTargetFile(path); err != nil {
			return err
		}
	} else {
		in, err = brief.ValidateTargetInput(targeting.TargetInput{
			Gender:          targetGender,
			AgeBands:        targetAgeBands,
			SkinTypes:       targetSkin,
			ConcernKeywords: targetConcerns,
		}, "flags")
		if err != nil {
			return err
		}
	}

	audience, err := a.applyTarget(ctx, runID, in)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Filters:  %s\n", pipeline.SummarizeTargetInput(in.Payload()))
	fmt.Fprintf(out, "Audience: %d\n", audience.Int("count"))
	if sample := audience.Strings("sample"); len(sample) > 0 {
		fmt.Fprintf(out, "Sample:   %s\n", strings.Join(sample, ", "))
	}
	return nil
}

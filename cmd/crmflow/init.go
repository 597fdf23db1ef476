package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"crmflow/internal/audit"
	"crmflow/internal/config"
	"crmflow/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new workspace",
	Long: `Creates the workspace layout with a starter crmflow.yml, a sample
knowledge document, a sample brief and a sample customer list. Existing
files are left untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	root, err := workspace.ResolveRoot(workspacePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	ws, err := workspace.Resolve(root)
	if err != nil {
		return err
	}
	if err := ws.EnsureDirs(); err != nil {
		return err
	}

	auditLog := audit.NewLogger(ws.AuditDBPath)
	if err := auditLog.LogEvent(ctx, cliActor, "workspace_init_started", map[string]any{"workspace": ws.Root}); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}
	var finishErr error
	defer func() {
		finishPayload := map[string]any{"workspace": ws.Root}
		if finishErr != nil {
			finishPayload["error"] = finishErr.Error()
		}
		_ = auditLog.LogEvent(ctx, cliActor, "workspace_init_finished", finishPayload)
	}()

	if _, err := os.Stat(ws.ConfigPath); os.IsNotExist(err) {
		if err := config.Write(ws.ConfigPath, config.Starter()); err != nil {
			finishErr = err
			return finishErr
		}
	}
	samples := []struct {
		path     string
		contents string
	}{
		{filepath.Join(ws.KnowledgeDir, "brand_guide.md"), sampleGuideTemplate},
		{filepath.Join(ws.BriefsDir, "sample.yml"), sampleBriefTemplate},
		{filepath.Join(ws.DataDir, "customers.yml"), sampleCustomersTemplate},
	}
	for _, s := range samples {
		if err := writeFileIfMissing(s.path, s.contents); err != nil {
			finishErr = err
			return finishErr
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized workspace: %s\n", ws.Root)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  %s customers import --workspace %s data/customers.yml\n", appName, ws.Root)
	fmt.Fprintf(out, "  %s kb ingest --workspace %s\n", appName, ws.Root)
	fmt.Fprintf(out, "  %s run create --workspace %s --brief briefs/sample.yml\n", appName, ws.Root)
	fmt.Fprintf(out, "  %s run candidates --workspace %s R001\n", appName, ws.Root)
	return nil
}

func writeFileIfMissing(path string, contents string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

const sampleGuideTemplate = `# Brand voice

Speak warmly and plainly. Address the customer by name and keep one clear
call to action per message.

# Claims

Never promise results such as "100%" effects or "instant" changes. Describe
how a product feels and what it is made with instead.

# Push messages

Keep push titles short. Put the offer in the first line of the body.
`

const sampleBriefTemplate = `run_id: R001
campaign_goal: winter hydration repurchase
channel: PUSH
tone: amoremall
brief:
  goal: winter hydration repurchase
  season: winter
  product_category: moisturizer
  keywords: [moisture, barrier]
target:
  gender: [F]
  age_bands: [20s, 30s]
  concern_keywords: [dryness]
`

const sampleCustomersTemplate = `- customer_id: U001
  name: Jiwoo
  gender: F
  age_band: 20s
  skin_type: dry
  concerns: [C01]
- customer_id: U002
  name: Minseo
  gender: F
  age_band: 30s
  skin_type: combination
  concerns: [C01, C04]
- customer_id: U003
  name: Hyun
  gender: M
  age_band: 30s
  skin_type: oily
  concerns: [C02]
- customer_id: U004
  name: Seoyeon
  gender: F
  age_band: 40s
  skin_type: dry
  concerns: [C03]
`

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"crmflow/internal/pipeline"
	"crmflow/internal/retrieval"
)

const kbIngestedEvent = "kb_ingested"

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage the knowledge base used for retrieval",
}

var kbIngestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Index markdown and text files (default: <workspace>/knowledge)",
	Long: `Chunks every .md and .txt file under dir and replaces its entries in the
index. When the directory content hash matches the last ingest the pass is
skipped unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKBIngest,
}

var kbQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve the best matching chunks for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKBQuery,
}

var (
	kbForce  bool
	kbTopK   int
	kbSource string
)

func init() {
	kbIngestCmd.Flags().BoolVar(&kbForce, "force", false, "Re-index even when nothing changed")
	kbQueryCmd.Flags().IntVar(&kbTopK, "top-k", pipeline.TopK, "Number of matches to return")
	kbQueryCmd.Flags().StringVar(&kbSource, "source", "", "Only match chunks from this source file")
	kbCmd.AddCommand(kbIngestCmd, kbQueryCmd)
}

func runKBIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.ws.KnowledgeDir
	if len(args) == 1 {
		if dir, err = a.ws.ResolvePath(args[0]); err != nil {
			return err
		}
	}
	hash, err := retrieval.SourceHash(dir)
	if err != nil {
		return err
	}
	if hash == "" {
		return fmt.Errorf("knowledge dir not found: %s", dir)
	}
	idx, err := a.openIndex()
	if err != nil {
		return err
	}

	if !kbForce {
		unchanged, err := a.lastIngestMatches(ctx, dir, hash)
		if err != nil {
			return err
		}
		count, err := idx.Count(ctx)
		if err != nil {
			return err
		}
		if unchanged && count > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Knowledge base unchanged (%d chunks indexed)\n", count)
			return nil
		}
	}

	res, err := idx.IngestDir(ctx, dir)
	if err != nil {
		return err
	}
	a.logEvent(ctx, kbIngestedEvent, map[string]any{
		"dir":    dir,
		"hash":   hash,
		"files":  res.Files,
		"chunks": res.Chunks,
	})
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files into %d chunks from %s\n", res.Files, res.Chunks, dir)
	return nil
}

func (a *app) lastIngestMatches(ctx context.Context, dir, hash string) (bool, error) {
	events, err := a.audit.Events(ctx, "")
	if err != nil {
		return false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type != kbIngestedEvent || ev.Payload["dir"] != dir {
			continue
		}
		return ev.Payload["hash"] == hash, nil
	}
	return false, nil
}

func runKBQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	idx, err := a.openIndex()
	if err != nil {
		return err
	}
	var filters map[string]any
	if kbSource != "" {
		filters = map[string]any{"source": kbSource}
	}
	res, err := idx.Retrieve(ctx, strings.Join(args, " "), filters, kbTopK)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range res.Matches {
		fmt.Fprintf(out, "%.3f  %s#%s  %s\n", m.Score, m.Metadata.Source, m.Metadata.Section, firstLine(m.Metadata.Text))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

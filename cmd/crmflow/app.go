package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"crmflow/internal/audit"
	"crmflow/internal/generate"
	"crmflow/internal/notify"
	"crmflow/internal/pipeline"
	"crmflow/internal/retrieval"
	"crmflow/internal/store"
	"crmflow/internal/targeting"
	"crmflow/internal/workspace"
)

const cliActor = "cli"

// app holds the workspace resources a command needs. Fields are opened
// lazily so commands that only read runs never touch the index.
type app struct {
	ws       *workspace.Workspace
	store    *store.Store
	index    *retrieval.Index
	audit    *audit.Logger
	notifier *notify.Notifier
	logger   *zap.Logger
}

func openApp() (*app, error) {
	ws, err := workspace.Resolve(workspacePath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ws.RunsDBPath)
	if err != nil {
		return nil, err
	}
	return &app{
		ws:       ws,
		store:    st,
		audit:    audit.NewLogger(ws.AuditDBPath),
		notifier: &notify.Notifier{Enabled: cfg.Notifications.Enabled},
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("close index", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
}

func (a *app) openIndex() (*retrieval.Index, error) {
	if a.index != nil {
		return a.index, nil
	}
	idx, err := retrieval.Open(a.ws.IndexDBPath)
	if err != nil {
		return nil, err
	}
	a.index = idx
	return idx, nil
}

func (a *app) resolver() *targeting.Resolver {
	return &targeting.Resolver{
		Customers:  a.store,
		Keywords:   cfg.Audience.Keywords,
		SampleSize: cfg.Audience.SampleSize,
		Logger:     a.logger.Named("audience"),
	}
}

func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	idx, err := a.openIndex()
	if err != nil {
		return nil, err
	}
	suite, err := generate.New(ctx, cfg.GenerateOptions(), a.logger.Named("generate"))
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Opener:    a.store,
		Retriever: idx,
		Targets:   targeting.Builder{},
		Suite:     suite,
		Logger:    a.logger.Named("pipeline"),
		Audit:     a.audit,
		Actor:     cliActor,
	})
}

// logEvent records a workspace-level audit event; failures are logged and
// otherwise ignored.
func (a *app) logEvent(ctx context.Context, eventType string, data map[string]any) {
	if err := a.audit.LogEvent(ctx, cliActor, eventType, data); err != nil {
		a.logger.Warn("audit log failed", zap.String("type", eventType), zap.Error(err))
	}
}

func (a *app) recordRunEvent(ctx context.Context, runID, eventType string, data map[string]any) {
	err := a.audit.Record(ctx, audit.Event{Actor: cliActor, Type: eventType, RunID: runID, Payload: data})
	if err != nil {
		a.logger.Warn("audit log failed", zap.String("type", eventType), zap.String("run_id", runID), zap.Error(err))
	}
}

func (a *app) notify(title, message string) {
	if err := a.notifier.Send(title, message); err != nil {
		a.logger.Warn("notification failed", zap.Error(err))
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

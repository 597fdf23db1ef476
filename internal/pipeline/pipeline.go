// Package pipeline runs the campaign state machine: load_brief, target, rag,
// candidates, compliance and, once a template is selected, execute. Every
// stage persists its payload as a handoff and advances the run header.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crmflow/internal/audit"
	"crmflow/internal/generate"
	"crmflow/internal/payload"
	"crmflow/internal/retrieval"
	"crmflow/internal/store"
)

// Node names of the graph. End terminates an invocation.
const (
	NodeLoadBrief  = "load_brief"
	NodeTarget     = "target"
	NodeRAG        = "rag"
	NodeCandidates = "candidates"
	NodeCompliance = "compliance"
	NodeExecute    = "execute"
	End            = "END"
)

// Run header step markers.
const (
	StepTarget     = "S2_TARGET"
	StepRAG        = "S3_RAG"
	StepCandidates = "S4_CANDS"
	StepCompliance = "S5_COMP"
	StepExecute    = "S6_EXEC"
)

// Defaults used when neither the caller nor the run header names a value.
const (
	DefaultChannel = "PUSH"
	DefaultTone    = "amoremall"
)

// CandidateIDChars bounds the candidate id written to the run header.
const CandidateIDChars = 16

var (
	// ErrRunNotFound is returned when the run header does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrMissingSelection is returned when execute has no template to render.
	ErrMissingSelection = errors.New("selected template missing")
)

// StageError identifies the stage an invocation failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retriever searches the knowledge base.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filters map[string]any, topK int) (retrieval.Result, error)
}

// TargetBuilder computes the base targeting result. Non-map results are
// treated as empty.
type TargetBuilder interface {
	BuildTarget(ctx context.Context, sess store.Session, brief payload.Payload, channel, tone string) (any, error)
}

// Recorder receives audit events.
type Recorder interface {
	Record(ctx context.Context, ev audit.Event) error
}

// Options configures a Pipeline.
type Options struct {
	Opener    store.Opener
	Retriever Retriever
	Targets   TargetBuilder
	// Suite fields left nil use the deterministic fallback.
	Suite  generate.Suite
	Logger *zap.Logger
	Audit  Recorder
	// Actor is recorded on audit events. Defaults to "pipeline".
	Actor string
}

type stageFunc func(ctx context.Context, sess store.Session, st State) (Update, error)

type node struct {
	name string
	run  stageFunc
	next func(State) string
}

// Pipeline is the compiled graph. Build it once with New and share it.
type Pipeline struct {
	opener    store.Opener
	retriever Retriever
	targets   TargetBuilder
	suite     generate.Suite
	logger    *zap.Logger
	audit     Recorder
	actor     string

	entry string
	nodes map[string]node
}

// New wires the collaborators into the stage graph.
func New(opts Options) (*Pipeline, error) {
	if opts.Opener == nil {
		return nil, errors.New("pipeline requires a store opener")
	}
	if opts.Retriever == nil {
		return nil, errors.New("pipeline requires a retriever")
	}
	if opts.Targets == nil {
		return nil, errors.New("pipeline requires a target builder")
	}
	suite := opts.Suite
	fallback := generate.DefaultSuite()
	if suite.Candidates == nil {
		suite.Candidates = fallback.Candidates
	}
	if suite.Compliance == nil {
		suite.Compliance = fallback.Compliance
	}
	if suite.Renderer == nil {
		suite.Renderer = fallback.Renderer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	actor := opts.Actor
	if actor == "" {
		actor = "pipeline"
	}

	p := &Pipeline{
		opener:    opts.Opener,
		retriever: opts.Retriever,
		targets:   opts.Targets,
		suite:     suite,
		logger:    logger,
		audit:     opts.Audit,
		actor:     actor,
		entry:     NodeLoadBrief,
	}
	p.nodes = map[string]node{
		NodeLoadBrief:  {name: NodeLoadBrief, run: p.loadBrief, next: always(NodeTarget)},
		NodeTarget:     {name: NodeTarget, run: p.target, next: always(NodeRAG)},
		NodeRAG:        {name: NodeRAG, run: p.rag, next: always(NodeCandidates)},
		NodeCandidates: {name: NodeCandidates, run: p.candidates, next: always(NodeCompliance)},
		NodeCompliance: {name: NodeCompliance, run: p.compliance, next: RouteAfterCompliance},
		NodeExecute:    {name: NodeExecute, run: p.execute, next: always(End)},
	}
	return p, nil
}

func always(name string) func(State) string {
	return func(State) string { return name }
}

// RouteAfterCompliance picks execute when a template is selected and End
// otherwise.
func RouteAfterCompliance(st State) string {
	if payload.Truthy(st.SelectedTemplate) {
		return NodeExecute
	}
	return End
}

// Invoke runs the graph from its entry point until End.
func (p *Pipeline) Invoke(ctx context.Context, st State) (State, error) {
	if strings.TrimSpace(st.RunID) == "" {
		return st, errors.New("run id is required")
	}
	name := p.entry
	for name != End {
		n, ok := p.nodes[name]
		if !ok {
			return st, fmt.Errorf("unknown pipeline node: %s", name)
		}
		upd, err := p.runStage(ctx, n, st)
		if err != nil {
			return st, err
		}
		st = st.Merge(upd)
		name = n.next(st)
	}
	p.logger.Debug("pipeline finished",
		zap.String("run_id", st.RunID),
		zap.Bool("executed", st.ExecutionResult != nil),
	)
	return st, nil
}

// RunUntilCandidates runs the pipeline for runID. Without a stored selection in
// state it halts after compliance.
func (p *Pipeline) RunUntilCandidates(ctx context.Context, runID, channel, tone string) (State, error) {
	return p.Invoke(ctx, State{RunID: runID, Channel: channel, Tone: tone})
}

// RunWithSelection records selected as the run's chosen template and re-runs
// the whole pipeline from its entry point, ending in execute.
func (p *Pipeline) RunWithSelection(ctx context.Context, runID string, selected payload.Payload) (State, error) {
	if !payload.Truthy(selected) {
		return State{RunID: runID}, ErrMissingSelection
	}
	if err := p.persistSelection(ctx, runID, selected); err != nil {
		return State{RunID: runID}, err
	}
	return p.Invoke(ctx, State{RunID: runID, SelectedTemplate: selected})
}

func (p *Pipeline) persistSelection(ctx context.Context, runID string, selected payload.Payload) error {
	sess, err := p.opener.NewSession(ctx)
	if err != nil {
		return err
	}
	defer p.release(sess, runID, "select")

	run, err := sess.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err := sess.CreateHandoff(ctx, runID, store.StageSelectedTemplate, selected); err != nil {
		return err
	}
	if err := sess.UpdateRun(ctx, runID, store.RunUpdate{
		StepID:      StepExecute,
		CandidateID: store.Text(generate.TruncateRunes(selected.String("template_id"), CandidateIDChars)),
	}); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	p.record(ctx, runID, "template_selected", map[string]any{
		"template_id": selected.String("template_id"),
	})
	return nil
}

// runStage scopes one session to a stage. The stage's writes are committed
// only when it succeeds; a failed stage leaves no handoff or header change.
func (p *Pipeline) runStage(ctx context.Context, n node, st State) (Update, error) {
	sess, err := p.opener.NewSession(ctx)
	if err != nil {
		return Update{}, &StageError{Stage: n.name, Err: err}
	}
	defer p.release(sess, st.RunID, n.name)

	p.record(ctx, st.RunID, "stage_started", map[string]any{"stage": n.name})
	start := time.Now()
	upd, err := n.run(ctx, sess, st)
	if err == nil {
		err = sess.Commit()
	}
	elapsed := time.Since(start)
	if err != nil {
		p.logger.Warn("stage failed",
			zap.String("run_id", st.RunID),
			zap.String("stage", n.name),
			zap.Error(err),
		)
		p.record(ctx, st.RunID, "stage_failed", map[string]any{
			"stage": n.name,
			"error": err.Error(),
		})
		return Update{}, &StageError{Stage: n.name, Err: err}
	}
	p.logger.Info("stage finished",
		zap.String("run_id", st.RunID),
		zap.String("stage", n.name),
		zap.Duration("elapsed", elapsed),
	)
	p.record(ctx, st.RunID, "stage_finished", map[string]any{
		"stage":      n.name,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return upd, nil
}

func (p *Pipeline) release(sess store.Session, runID, stage string) {
	if err := sess.Close(); err != nil {
		p.logger.Warn("session release failed",
			zap.String("run_id", runID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) record(ctx context.Context, runID, eventType string, data map[string]any) {
	if p.audit == nil {
		return
	}
	err := p.audit.Record(ctx, audit.Event{
		Actor:   p.actor,
		Type:    eventType,
		RunID:   runID,
		Payload: data,
	})
	if err != nil {
		p.logger.Debug("audit write failed", zap.String("type", eventType), zap.Error(err))
	}
}

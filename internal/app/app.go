// Package app assembles and supervises live call sessions.
//
// The SessionManager owns everything that happens between "a call leg is
// connected" and "the workflow run row is final": quota reservation, run
// creation, pipeline assembly in the canonical stage order, the heartbeat
// that keeps the run visible to the orphan sweep, and the teardown sequence
// that persists the recording, transcript, usage, and disposition.
//
// Per-call construction is deliberate: every session gets its own engine,
// tool registry, and processor chain, so no conversation state outlives the
// call or leaks between concurrent calls.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyvoice/parley/internal/dispo"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/quota"
	"github.com/parleyvoice/parley/internal/store"
	"github.com/parleyvoice/parley/internal/tools"
	"github.com/parleyvoice/parley/internal/transport"
	"github.com/parleyvoice/parley/internal/workflow"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/stt"
	"github.com/parleyvoice/parley/pkg/provider/tts"
	"github.com/parleyvoice/parley/pkg/provider/vad"
)

// heartbeatInterval is the cadence at which a live session stamps its run.
// The reconciler's stale threshold is a couple of minutes, so a single
// missed beat never orphans a healthy call.
const heartbeatInterval = 30 * time.Second

// RunStore is the slice of the workflow-run repository a session needs.
type RunStore interface {
	Create(ctx context.Context, run *store.WorkflowRun) error
	Heartbeat(ctx context.Context, id string) error
	Complete(ctx context.Context, id, state string, usageInfo, costInfo, gatheredContext map[string]any) error
	SetReferences(ctx context.Context, id, recordingRef, transcriptRef string) error
}

// QuotaGate holds and releases per-tenant token reservations. Implemented by
// the quota service; nil disables admission control.
type QuotaGate interface {
	Reserve(ctx context.Context, orgID string) (*quota.Reservation, error)
	Release(ctx context.Context, res *quota.Reservation, actualTokens int64, duration time.Duration) error
}

// CallObserver is notified when a call finishes. The campaign scheduler
// implements it to release concurrency slots and schedule retries.
type CallObserver interface {
	OnCallComplete(ctx context.Context, run *store.WorkflowRun, mappedDisposition string)
	OnCallFailed(ctx context.Context, run *store.WorkflowRun)
}

// EngineSettings are the per-deployment conversation knobs.
type EngineSettings struct {
	// UserIdleTimeout is the silence window before an idle strike. Zero
	// keeps the processor default.
	UserIdleTimeout time.Duration

	// MaxCallDuration is the hard wall-clock cap on a call. Zero keeps the
	// processor default.
	MaxCallDuration time.Duration

	// AllowInterruptions is the pipeline-wide barge-in switch. Individual
	// nodes still opt in per node.
	AllowInterruptions bool

	// TurnAnalyzerURL points at the remote end-of-turn prediction service.
	// Empty disables the classifier; plain VAD stop-seconds decide alone.
	TurnAnalyzerURL string
}

// Deps are the process-wide dependencies shared by every call.
type Deps struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	Runs  RunStore
	Quota QuotaGate

	// SharedTools seeds each call's registry, carrying the MCP-imported
	// tools. May be nil.
	SharedTools *tools.Registry

	// Observer receives completion events; nil for deployments without
	// campaigns.
	Observer CallObserver

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	Engine EngineSettings

	// RecordingDir is where call audio and transcripts land. Empty disables
	// persistence of both.
	RecordingDir string

	Logger *slog.Logger
}

// CallConfig describes one call to start.
type CallConfig struct {
	// RunID is the pre-created workflow run for campaign calls. Empty means
	// the manager creates a fresh run (web calls).
	RunID string

	OrgID      string
	WorkflowID string

	// Mode is "web" or "campaign". Defaults by RunID: empty RunID is a web
	// call.
	Mode string

	CampaignID  string
	QueuedRunID string

	// Graph is the validated workflow to execute.
	Graph *workflow.Graph

	// Mapping is the tenant disposition mapping; may be nil.
	Mapping dispo.Mapping

	// Voice selects the TTS voice for this call.
	Voice tts.VoiceProfile

	// InitialContext carries the admission's context variables into the
	// pipeline parameters.
	InitialContext map[string]string

	// Wire is the connected call leg; Format describes its audio.
	Wire   transport.Wire
	Format transport.StreamFormat

	// STTEncoding overrides the provider stream encoding, e.g. "mulaw" for
	// carrier legs. Empty means linear PCM.
	STTEncoding string

	// DetectVoicemail arms the answering-machine detector for the opening
	// seconds. Set for outbound campaign calls.
	DetectVoicemail bool
}

func (c *CallConfig) validate() error {
	var errs []error
	if c.OrgID == "" {
		errs = append(errs, errors.New("app: org ID is required"))
	}
	if c.Graph == nil {
		errs = append(errs, errors.New("app: workflow graph is required"))
	}
	if c.Wire == nil {
		errs = append(errs, errors.New("app: transport wire is required"))
	}
	if c.Format.SampleRate <= 0 {
		errs = append(errs, errors.New("app: stream format sample rate is required"))
	}
	return errors.Join(errs...)
}

// SessionManager starts and tracks live call sessions.
type SessionManager struct {
	deps    Deps
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager validates the shared dependencies and returns a manager
// with no active sessions.
func NewSessionManager(deps Deps) (*SessionManager, error) {
	var errs []error
	if deps.LLM == nil {
		errs = append(errs, errors.New("app: LLM provider is required"))
	}
	if deps.STT == nil {
		errs = append(errs, errors.New("app: STT provider is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("app: TTS provider is required"))
	}
	if deps.VAD == nil {
		errs = append(errs, errors.New("app: VAD engine is required"))
	}
	if deps.Runs == nil {
		errs = append(errs, errors.New("app: run store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		deps:     deps,
		metrics:  m,
		log:      deps.Logger,
		sessions: make(map[string]*Session),
	}, nil
}

// StartCall admits and launches one call. It reserves quota, ensures a
// workflow run row exists, assembles the pipeline, and returns once the call
// is running. The session lives on a background context, so the caller's ctx
// ending (an HTTP handler returning) does not kill the call.
func (m *SessionManager) StartCall(ctx context.Context, cfg CallConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("app: session manager is shut down")
	}
	m.mu.Unlock()

	var res *quota.Reservation
	if m.deps.Quota != nil {
		var err error
		res, err = m.deps.Quota.Reserve(ctx, cfg.OrgID)
		if err != nil {
			return nil, err
		}
	}

	run, err := m.ensureRun(ctx, &cfg)
	if err != nil {
		m.releaseQuota(ctx, res, 0, 0)
		return nil, err
	}

	s, err := newSession(m, cfg, run, res)
	if err != nil {
		m.releaseQuota(ctx, res, 0, 0)
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.releaseQuota(ctx, res, 0, 0)
		return nil, errors.New("app: session manager is shut down")
	}
	m.sessions[s.ID()] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.ActiveCalls.Add(ctx, 1)
	go func() {
		defer m.wg.Done()
		s.run(context.WithoutCancel(ctx))
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.metrics.ActiveCalls.Add(context.Background(), -1)
	}()
	return s, nil
}

// ensureRun creates the workflow run row for web calls; campaign calls
// arrive with the run already created by admission.
func (m *SessionManager) ensureRun(ctx context.Context, cfg *CallConfig) (*store.WorkflowRun, error) {
	if cfg.Mode == "" {
		if cfg.RunID == "" {
			cfg.Mode = "web"
		} else {
			cfg.Mode = "campaign"
		}
	}
	run := &store.WorkflowRun{
		ID:             cfg.RunID,
		OrgID:          cfg.OrgID,
		WorkflowID:     cfg.WorkflowID,
		Mode:           cfg.Mode,
		InitialContext: cfg.InitialContext,
		CampaignID:     cfg.CampaignID,
		QueuedRunID:    cfg.QueuedRunID,
	}
	if cfg.RunID != "" {
		return run, nil
	}
	run.ID = uuid.NewString()
	if err := m.deps.Runs.Create(ctx, run); err != nil {
		return nil, err
	}
	cfg.RunID = run.ID
	return run, nil
}

func (m *SessionManager) releaseQuota(ctx context.Context, res *quota.Reservation, tokens int64, d time.Duration) {
	if res == nil || m.deps.Quota == nil {
		return
	}
	if err := m.deps.Quota.Release(ctx, res, tokens, d); err != nil {
		m.log.Warn("quota release failed", "org_id", res.OrgID, "error", err)
	}
}

// Active returns the number of live sessions.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Session returns the live session for a run ID, or nil.
func (m *SessionManager) Session(runID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[runID]
}

// Shutdown refuses new calls, cancels every live session, and waits for
// their teardown to finish or ctx to expire.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

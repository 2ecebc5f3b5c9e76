package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parleyvoice/parley/internal/dispo"
	"github.com/parleyvoice/parley/internal/engine"
	"github.com/parleyvoice/parley/internal/engine/extract"
	"github.com/parleyvoice/parley/internal/engine/voicemail"
	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/internal/pipeline/processors"
	"github.com/parleyvoice/parley/internal/quota"
	"github.com/parleyvoice/parley/internal/store"
	"github.com/parleyvoice/parley/internal/tools"
	"github.com/parleyvoice/parley/internal/transport"
	"github.com/parleyvoice/parley/internal/turnend"
	"github.com/parleyvoice/parley/pkg/frame"
	"github.com/parleyvoice/parley/pkg/provider/stt"
	"github.com/parleyvoice/parley/pkg/provider/vad"
)

// Final workflow run states.
const (
	runStateCompleted = "completed"
	runStateFailed    = "failed"
)

// classifierDialTimeout bounds the turn-end classifier connect at call start.
// A slow prediction service must not delay the greeting; the classifier
// fails open while disconnected.
const classifierDialTimeout = 3 * time.Second

// Session is one live call: the processor chain, the per-call engine, and
// the bookkeeping that outlives the audio (run row, quota hold, recording).
type Session struct {
	id  string
	cfg CallConfig
	mgr *SessionManager
	wfr *store.WorkflowRun
	res *quota.Reservation
	log *slog.Logger

	engine     *engine.Engine
	task       *pipeline.Task
	usage      *processors.Metrics
	transcript *processors.Transcript
	tap        *processors.AudioBuffer
	classifier *turnend.Classifier
	detector   *voicemail.Detector

	started time.Time
}

// newSession assembles the full processor chain for one call. Nothing is
// started; run does that.
func newSession(m *SessionManager, cfg CallConfig, run *store.WorkflowRun, res *quota.Reservation) (*Session, error) {
	log := m.log.With("run_id", run.ID, "org_id", run.OrgID)
	s := &Session{
		id:  run.ID,
		cfg: cfg,
		mgr: m,
		wfr: run,
		res: res,
		log: log,
	}

	var registry *tools.Registry
	if m.deps.SharedTools != nil {
		registry = m.deps.SharedTools.Clone()
	} else {
		registry = tools.NewRegistry()
	}

	extractor, err := extract.New(m.deps.LLM)
	if err != nil {
		return nil, err
	}

	// The engine and the LLM stage reference each other: the engine emits
	// frames through the stage's Inject, the stage drives the engine's
	// generation hooks. Bind through a late-assigned pointer.
	var llmStage *processors.LLM
	eng, err := engine.New(engine.Config{
		Graph:     cfg.Graph,
		Registry:  registry,
		Mapping:   cfg.Mapping,
		Extractor: extractor,
		Emit: func(f frame.Frame) {
			if llmStage != nil {
				llmStage.Inject(f)
			}
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	s.engine = eng
	llmStage = processors.NewLLM(m.deps.LLM, eng, eng.Context(), log)

	if m.deps.Engine.TurnAnalyzerURL != "" {
		cls, err := turnend.New(m.deps.Engine.TurnAnalyzerURL, turnend.WithLogger(log))
		if err != nil {
			return nil, err
		}
		s.classifier = cls
	}

	input := transport.NewInput(cfg.Wire, cfg.Format, log)
	control := newCallControl(eng)
	s.tap = processors.NewAudioBuffer(0)
	mute := processors.NewSTTMute(eng.ShouldMuteCallback())
	vadStage := processors.NewVAD(m.deps.VAD, vad.Config{})
	sttStage := processors.NewSTT(m.deps.STT, stt.StreamConfig{Encoding: cfg.STTEncoding})
	userAgg := processors.NewUserAggregator(eng)
	gate := newTurnGate(s.classifier, userAgg, log)
	idle := processors.NewUserIdle(m.deps.Engine.UserIdleTimeout, eng.UserIdleCallback())
	maxDur := processors.NewMaxDuration(m.deps.Engine.MaxCallDuration, eng.MaxDurationCallback())
	s.transcript = processors.NewTranscript()
	assistantAgg := processors.NewAssistantAggregator(eng, eng.AggregationCorrectionCallback(), s.transcript)
	ttsStage := processors.NewTTS(processors.TTSConfig{
		Provider:   m.deps.TTS,
		Voice:      cfg.Voice,
		SampleRate: cfg.Format.SampleRate,
		Encoding:   cfg.Format.Encoding,
		Logger:     log,
	})
	output := transport.NewOutput(cfg.Wire, cfg.Format, 0, log)
	s.usage = processors.NewMetrics()

	if cfg.DetectVoicemail {
		det, err := voicemail.New(voicemail.Config{
			STT:        m.deps.STT,
			LLM:        m.deps.LLM,
			SampleRate: cfg.Format.SampleRate,
			Encoding:   cfg.STTEncoding,
			OnVoicemail: func(v voicemail.Result) {
				recordVoicemailVerdict(eng, v)
			},
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		s.detector = det
	}

	task, err := pipeline.NewTask(pipeline.TaskConfig{
		Params: frame.PipelineParams{
			ConversationID:     run.ID,
			InputSampleRate:    cfg.Format.SampleRate,
			OutputSampleRate:   cfg.Format.SampleRate,
			AllowInterruptions: m.deps.Engine.AllowInterruptions,
			StartMetadata:      metadataBag(cfg.InitialContext),
		},
		Logger: log,
	},
		input,
		control,
		s.tap,
		mute,
		vadStage,
		sttStage,
		gate,
		idle,
		maxDur,
		s.transcript,
		userAgg,
		llmStage,
		assistantAgg,
		ttsStage,
		output,
		s.usage,
	)
	if err != nil {
		return nil, err
	}
	s.task = task
	return s, nil
}

// ID returns the session's workflow run ID.
func (s *Session) ID() string { return s.id }

// Cancel requests immediate termination. Safe from any goroutine.
func (s *Session) Cancel() { s.task.Cancel() }

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.task.Done() }

// run executes the call to completion, then finishes the run row. Invoked on
// its own goroutine by StartCall.
func (s *Session) run(ctx context.Context) {
	s.started = time.Now()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if s.classifier != nil {
		dialCtx, cancel := context.WithTimeout(runCtx, classifierDialTimeout)
		if err := s.classifier.Connect(dialCtx); err != nil {
			// Fail open: turns commit on VAD stop-seconds alone.
			s.log.Warn("turn-end classifier unavailable", "error", err)
		}
		cancel()
	}

	if s.detector != nil {
		go func() {
			s.detector.Run(runCtx, s.tap.Tap())
			s.tap.CloseTap()
		}()
	}

	go s.heartbeat(runCtx)

	go func() {
		if err := s.engine.Initialize(runCtx); err != nil {
			s.log.Error("engine initialization failed", "error", err)
			s.task.Cancel()
		}
	}()

	if err := s.task.Run(runCtx); err != nil {
		s.log.Error("pipeline terminated abnormally", "error", err)
	}
	stop()

	s.finish(context.WithoutCancel(ctx))
}

// heartbeat stamps run liveness until the call context ends.
func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.mgr.deps.Runs.Heartbeat(ctx, s.id); err != nil {
				s.log.Warn("run heartbeat failed", "error", err)
			}
		}
	}
}

// finish is the teardown sequence: settle the engine, persist artifacts,
// finalise the run row, release quota, and notify the campaign observer.
func (s *Session) finish(ctx context.Context) {
	if err := s.engine.Close(); err != nil {
		s.log.Warn("engine close failed", "error", err)
	}
	if s.classifier != nil {
		_ = s.classifier.Close()
	}

	duration := time.Since(s.started)
	totals := s.usage.Totals()
	llmUse := totals["llm"]
	actualTokens := int64(llmUse.PromptTokens + llmUse.CompletionTokens)

	gathered := s.engine.Gathered().Snapshot()
	mapped, _ := gathered[engine.KeyMappedDisposition].(string)

	state := runStateCompleted
	if !s.engine.Ended() {
		// Nothing decided a disposition: the pipeline was torn down from
		// outside (shutdown, stage failure).
		state = runStateFailed
	}

	recordingRef, transcriptRef := s.persistArtifacts()
	if recordingRef != "" || transcriptRef != "" {
		if err := s.mgr.deps.Runs.SetReferences(ctx, s.id, recordingRef, transcriptRef); err != nil {
			s.log.Warn("persisting artifact references failed", "error", err)
		}
	}

	costInfo := map[string]any{
		"llm_tokens":        actualTokens,
		"stt_audio_seconds": totals["stt"].AudioSeconds,
		"tts_audio_seconds": totals["tts"].AudioSeconds,
	}
	err := s.mgr.deps.Runs.Complete(ctx, s.id, state, s.usage.UsageInfo(), costInfo, gathered)
	if err != nil && !errors.Is(err, store.ErrStateConflict) {
		s.log.Error("completing workflow run failed", "error", err)
	}

	s.mgr.releaseQuota(ctx, s.res, actualTokens, duration)

	s.mgr.metrics.CallDuration.Record(ctx, duration.Seconds())
	if mapped != "" {
		s.mgr.metrics.RecordDisposition(ctx, mapped)
	}

	s.wfr.State = state
	s.wfr.GatheredContext = gathered
	if s.mgr.deps.Observer != nil && s.wfr.CampaignID != "" {
		if state == runStateFailed {
			s.mgr.deps.Observer.OnCallFailed(ctx, s.wfr)
		} else {
			s.mgr.deps.Observer.OnCallComplete(ctx, s.wfr, mapped)
		}
	}

	s.log.Info("call finished",
		"state", state,
		"disposition", mapped,
		"duration", duration.Round(time.Millisecond),
		"tokens", actualTokens)
}

// persistArtifacts writes the recording and transcript under RecordingDir
// and returns their references. Empty dir disables both.
func (s *Session) persistArtifacts() (recordingRef, transcriptRef string) {
	dir := s.mgr.deps.RecordingDir
	if dir == "" {
		return "", ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("creating recording directory failed", "error", err)
		return "", ""
	}

	if audio := s.tap.Bytes(); len(audio) > 0 {
		ext := "pcm"
		if s.cfg.Format.Encoding == frame.EncodingULaw {
			ext = "ulaw"
		}
		path := filepath.Join(dir, fmt.Sprintf("%s.%s", s.id, ext))
		if err := os.WriteFile(path, audio, 0o644); err != nil {
			s.log.Warn("writing call recording failed", "error", err)
		} else {
			recordingRef = path
		}
	}

	if text := s.transcript.Render(); text != "" {
		path := filepath.Join(dir, s.id+".txt")
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			s.log.Warn("writing call transcript failed", "error", err)
		} else {
			transcriptRef = path
		}
	}
	return recordingRef, transcriptRef
}

// metadataBag widens the admission's string map into the pipeline's generic
// metadata bag.
// recordVoicemailVerdict stores the detector's evidence and call tags, then
// terminates the call with the voicemail disposition. Abort skips any
// closing generation; the leg is an answering machine.
func recordVoicemailVerdict(eng *engine.Engine, v voicemail.Result) {
	g := eng.Gathered()
	g.Set(engine.KeyVoicemailTranscript, v.Transcript)
	g.Set(engine.KeyVoicemailConfidence, v.Confidence)
	g.AddTags(engine.TagVoicemailDetected, engine.TagNotConnected)
	eng.SendEndTaskFrame(dispo.VoicemailDetected, true)
}

func metadataBag(vars map[string]string) map[string]any {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

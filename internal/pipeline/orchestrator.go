package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aquagw/gateway/internal/device"
	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/expertclient"
	"github.com/aquagw/gateway/internal/history"
	"github.com/aquagw/gateway/internal/logging"
	"github.com/aquagw/gateway/internal/metrics"
	"github.com/aquagw/gateway/internal/policy"
	"github.com/aquagw/gateway/internal/session"
	"github.com/aquagw/gateway/internal/store"
	"github.com/aquagw/gateway/internal/weather"
)

// Stage names recorded in the RunTrace (SPEC_FULL.md §3 "RunTrace").
const (
	StageLoadHistory      = "LOAD_HISTORY"
	StagePersistUser      = "PERSIST_USER"
	StageWeather          = "WEATHER"
	StageIntent           = "INTENT"
	StageRewrite          = "REWRITE"
	StageRoute            = "ROUTE"
	StageExpertStream     = "EXPERT_STREAM"
	StageDeviceControl    = "DEVICE_CONTROL"
	StageSynthStream      = "SYNTH_STREAM"
	StagePersistAssistant = "PERSIST_ASSISTANT"
	StageDone             = "DONE"
)

// ExpertStreamPolicy values (spec.md §9 Open Question, resolved by
// SPEC_FULL.md §4.F as a config flag).
const (
	PolicyForwardExpertOnly    = "forward_expert_only"
	PolicyForwardSynthesisOnly = "forward_synthesis_only"
)

const (
	deviceControlRefusal     = "I can't carry out that device command right now."
	deviceControlConfirmText = "That device command needs confirmation before I run it. Reply to confirm."
)

// Sink receives raw outbound frames produced during a turn. The
// orchestrator is the only writer to a given connection's socket
// during a turn (spec.md §4.F single-producer rule); wsserver supplies
// the concrete Sink bound to one connection's write goroutine.
type Sink interface {
	Send(frame []byte) error
}

// Config holds the knobs the orchestrator needs beyond its
// collaborators (spec.md SPEC_FULL.md §4.F).
type Config struct {
	ExpertStreamPolicy       string
	EnableExpertConsultation bool
	EnableWeatherLookup      bool
	EnableDeviceControl      bool
	DefaultSystemPrompt      string
	Temperature              float64
	MaxTokens                int
	ExpertTimeout            time.Duration
	LLMTimeout               time.Duration
}

// Orchestrator drives one turn's state machine end to end (Component F).
type Orchestrator struct {
	cfg              Config
	stages           *Stages
	history          *history.History
	sessions         *session.Sessions
	store            *store.Store
	expert           *expertclient.Client
	weatherLookup    weather.Lookup
	policyEngine     *policy.Engine
	deviceController device.Controller
	log              *logrus.Logger
	met              *metrics.Registry
}

// New builds an Orchestrator. expert/weatherLookup/policyEngine/
// deviceController may be nil when their respective features are
// disabled.
func New(cfg Config, stages *Stages, h *history.History, s *session.Sessions, st *store.Store, expert *expertclient.Client, weatherLookup weather.Lookup, policyEngine *policy.Engine, deviceController device.Controller, log *logrus.Logger, met *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, stages: stages, history: h, sessions: s, store: st,
		expert: expert, weatherLookup: weatherLookup, policyEngine: policyEngine,
		deviceController: deviceController,
		log: log, met: met,
	}
}

func (o *Orchestrator) trace(sessionID, assistantMessageID, stage, outcome string, detail []byte) {
	// RunTrace is best-effort and operational only (SPEC_FULL.md §3):
	// a failure to write it must never affect the turn.
	if err := o.store.AppendRunTrace(context.Background(), sessionID, assistantMessageID, stage, outcome, detail); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{"session_id": sessionID, "stage": stage}).Warn("run trace write failed")
	}
}

// RunTurn executes one full turn: load history, persist the user
// message, run the pipeline stages, stream the answer, and persist
// the assistant message. sink receives every outbound frame the
// orchestrator produces for this turn: stream_chunk frames only, with
// the fail-soft apology sent as one more stream_chunk.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, userText string, sink Sink) error {
	log := logging.Turn(o.log, sessionID, "")

	sess, err := o.sessions.EnsureSession(ctx, sessionID, "")
	if err != nil {
		return err
	}

	historyMsgs, err := o.history.Recent(ctx, sessionID, 0)
	o.trace(sessionID, "", StageLoadHistory, outcomeOf(err), nil)
	if err != nil {
		log.WithError(err).Warn("history load failed, continuing with empty history")
		historyMsgs = nil
	}
	promptHistory := history.FormatForLLM(historyMsgs)

	if _, err := o.history.Append(ctx, sessionID, domain.RoleUser, userText, "text"); err != nil {
		o.trace(sessionID, "", StagePersistUser, "error", nil)
		return domain.Wrap(domain.KindStorage, "persist user message", err)
	}
	o.trace(sessionID, "", StagePersistUser, "ok", nil)

	turn := &domain.TurnState{
		SessionID:           sessionID,
		OriginalText:        userText,
		History:             promptHistory,
		AssistantMessageID:  uuid.NewString(),
		AssistantTimestamp:  time.Now().UTC(),
	}

	if o.cfg.EnableWeatherLookup && o.weatherLookup != nil && weather.NeedsWeather(userText) {
		wctx, err := o.weatherLookup.Context(ctx, "")
		if err != nil {
			o.trace(sessionID, turn.AssistantMessageID, StageWeather, "error", nil)
		} else {
			turn.WeatherContext = wctx
			o.trace(sessionID, turn.AssistantMessageID, StageWeather, "ok", nil)
		}
	}

	intent, err := o.stages.ClassifyIntent(ctx, userText, promptHistory)
	turn.Intent = intent
	o.trace(sessionID, turn.AssistantMessageID, StageIntent, outcomeOf(err), nil)
	if err != nil {
		log.WithError(err).Warn("intent classification failed, defaulting to other")
	}

	rewritten, err := o.stages.RewriteQuery(ctx, userText, promptHistory)
	turn.RewrittenText = rewritten
	o.trace(sessionID, turn.AssistantMessageID, StageRewrite, outcomeOf(err), nil)

	routing := o.stages.DecideRouting(intent, rewritten)
	turn.Routing = routing
	o.trace(sessionID, turn.AssistantMessageID, StageRoute, "ok", nil)

	var expertAnswer string
	var deviceShortCircuit string
	var deviceMeta map[string]any
	if routing.Decision == "device_control" && o.cfg.EnableDeviceControl && o.policyEngine != nil {
		decision, reason, perr := o.policyEngine.Evaluate(ctx, policy.Input{
			Action:    "device.control",
			DeviceID:  "",
			UserID:    sess.UserID,
			Args:      map[string]any{"raw_text": rewritten},
		})
		if perr != nil {
			log.WithError(perr).Warn("device policy evaluation failed, treating as blocked")
			decision = policy.Block
		}
		switch decision {
		case policy.Block:
			deviceShortCircuit = deviceControlRefusal
			deviceMeta = map[string]any{"device_control_blocked": true, "policy_reason": reason}
			o.trace(sessionID, turn.AssistantMessageID, StageDeviceControl, "blocked", nil)
		case policy.RequireConfirmation:
			deviceShortCircuit = deviceControlConfirmText
			deviceMeta = map[string]any{"device_control_pending": true, "policy_reason": reason}
			o.trace(sessionID, turn.AssistantMessageID, StageDeviceControl, "pending_confirmation", nil)
		default:
			if o.deviceController != nil {
				reply, derr := o.deviceController.Execute(ctx, sessionID, rewritten)
				if derr != nil {
					log.WithError(derr).Info("device control execution failed, continuing without device answer")
					o.trace(sessionID, turn.AssistantMessageID, StageDeviceControl, "error", nil)
				} else {
					expertAnswer = reply
					turn.ExpertConsulted = true
					o.trace(sessionID, turn.AssistantMessageID, StageDeviceControl, "ok", nil)
				}
			}
		}
	}

	if deviceShortCircuit == "" && routing.NeedsExpert && o.cfg.EnableExpertConsultation && o.expert != nil {
		expertCtx, cancel := context.WithTimeout(ctx, o.cfg.ExpertTimeout)
		result, err := o.consultExpert(expertCtx, rewritten, sessionID, &sess.Config, turn, sink)
		cancel()
		if err != nil {
			// Expert timeouts/failures never retry; continue down the
			// no-expert path with any partial answer discarded
			// (spec.md §4.D, §9 "expert timeout" edge case).
			o.trace(sessionID, turn.AssistantMessageID, StageExpertStream, "error", nil)
			log.WithError(err).Info("expert consultation failed, continuing without expert answer")
		} else {
			turn.Expert = result
			turn.ExpertConsulted = true
			expertAnswer = result.Answer
			o.trace(sessionID, turn.AssistantMessageID, StageExpertStream, "ok", nil)
		}
	}

	forwardExpertOnly := turn.ExpertConsulted && o.cfg.ExpertStreamPolicy == PolicyForwardExpertOnly
	var finalContent string
	var stats *domain.Stats
	if deviceShortCircuit != "" {
		finalContent = deviceShortCircuit
		turn.AppendContent(finalContent)
		_ = o.emitChunk(sink, turn, finalContent)
		o.trace(sessionID, turn.AssistantMessageID, StageSynthStream, "skipped_device_short_circuit", nil)
	} else if !forwardExpertOnly {
		finalContent, stats, err = o.stages.Synthesize(ctx, SynthesisInput{
			UserText:       rewritten,
			History:        promptHistory,
			ExpertAnswer:   expertAnswer,
			WeatherContext: turn.WeatherContext,
			SystemPrompt:   sess.Config.SystemPrompt,
		}, sess.Config.Temperature, sess.Config.MaxTokens, func(delta string) error {
			turn.AppendContent(delta)
			return o.emitChunk(sink, turn, delta)
		})
		if err != nil && finalContent == "" {
			// FAIL_SOFT: emit a short apology and still persist the
			// user row; the assistant row reflects the apology
			// (spec.md §4.F "degraded path").
			o.trace(sessionID, turn.AssistantMessageID, StageSynthStream, "error", nil)
			apology := "Sorry, I'm having trouble answering right now. Please try again."
			turn.AppendContent(apology)
			_ = o.emitChunk(sink, turn, apology)
			finalContent = apology
		} else {
			o.trace(sessionID, turn.AssistantMessageID, StageSynthStream, "ok", nil)
		}
	} else {
		// Expert chunks were already forwarded as they arrived; only a
		// device-control reply, which is not streamed, is emitted here.
		if turn.Content() == "" {
			turn.AppendContent(expertAnswer)
			_ = o.emitChunk(sink, turn, expertAnswer)
		}
		finalContent = turn.Content()
		o.trace(sessionID, turn.AssistantMessageID, StageSynthStream, "skipped_forward_expert_only", nil)
	}

	meta := MetaData(turn.Routing, turn.ExpertConsulted, "", deviceMeta)
	status := "complete"
	assistantRow := &domain.ChatMessage{
		SessionID: sessionID, MessageID: turn.AssistantMessageID, Role: domain.RoleAssistant,
		Content: finalContent, Type: turn.Intent, Status: &status, MetaData: meta,
		Timestamp: turn.AssistantTimestamp, UpdatedAt: time.Now().UTC(),
	}
	err = o.store.WithSessionLock(sessionID, func() error { return o.store.AppendMessage(ctx, assistantRow) })
	if err == nil {
		// Finalize re-applies the same values and invalidates the cached
		// recent window so the next Recent call sees the new row.
		err = o.history.Finalize(ctx, sessionID, turn.AssistantMessageID, finalContent, status, meta)
	}
	if err != nil {
		o.trace(sessionID, turn.AssistantMessageID, StagePersistAssistant, "error", nil)
		return domain.Wrap(domain.KindStorage, "persist assistant message", err)
	}
	o.trace(sessionID, turn.AssistantMessageID, StagePersistAssistant, "ok", nil)

	if o.met != nil {
		o.met.TurnsTotal.WithLabelValues("ok").Inc()
	}
	o.trace(sessionID, turn.AssistantMessageID, StageDone, "ok", nil)

	if stats != nil && stats.Approximate {
		log.Debug("completion token usage approximated: upstream did not report usage")
	}
	return nil
}

func (o *Orchestrator) consultExpert(ctx context.Context, query, sessionID string, cfg *domain.Config, turn *domain.TurnState, sink Sink) (*domain.ExpertResult, error) {
	return o.expert.Consult(ctx, query, "japan", sessionID, cfg, func(chunk string) error {
		if o.cfg.ExpertStreamPolicy != PolicyForwardExpertOnly {
			return nil // buffered as grounding; only the synthesizer streams
		}
		turn.AppendContent(chunk)
		return o.emitChunk(sink, turn, chunk)
	})
}

func (o *Orchestrator) emitChunk(sink Sink, turn *domain.TurnState, content string) error {
	if sink == nil {
		return nil
	}
	frame, err := encodeStreamChunk(turn.SessionID, turn.AssistantMessageID, content, turn.AssistantTimestamp)
	if err != nil {
		return err
	}
	return sink.Send(frame)
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"persona-agent/internal/clock"
	"persona-agent/internal/domain"
	"persona-agent/internal/integrations/paramstore"
	"persona-agent/internal/metrics"
	"persona-agent/internal/pacing"
)

const (
	defaultContextWindow = 10
	defaultModel         = "gpt-4o-mini"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Completer interface {
	Complete(ctx context.Context, model, systemInstruction string, turns []domain.ChatMessage) (string, error)
}

type TurnStore interface {
	AppendTurn(ctx context.Context, turn domain.Turn) error
	LoadRecentTurns(ctx context.Context, correspondentID string, limit int) ([]domain.Turn, error)
}

type Pacer interface {
	Decide(replyText string, rng pacing.RandomSource) pacing.Decision
}

type Scheduler interface {
	Enqueue(decision pacing.Decision, correspondentID, replyText string) []domain.DeliveryTask
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ReplyService runs one inbound message through context loading, completion,
// pacing and scheduling.
type ReplyService struct {
	params        ParamGetter
	store         TurnStore
	llm           Completer
	pacer         Pacer
	scheduler     Scheduler
	paramPrefix   string
	contextWindow int
	rng           pacing.RandomSource
	clock         clock.Clock
	logger        *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	persona     string
	openaiModel string
}

type InboundInput struct {
	CorrespondentID string
	Text            string
	CorrelationID   string
}

type InboundOutput struct {
	InboundTurnID string
	ReplyTurnID   string
	Reply         string
	Decision      pacing.Decision
	Tasks         []domain.DeliveryTask
}

type Option func(*ReplyService)

func WithContextWindow(n int) Option {
	return func(s *ReplyService) {
		if n > 0 {
			s.contextWindow = n
		}
	}
}

func WithRandomSource(rng pacing.RandomSource) Option {
	return func(s *ReplyService) {
		if rng != nil {
			s.rng = rng
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *ReplyService) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ReplyService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewReplyService(p ParamGetter, store TurnStore, llm Completer, pacer Pacer, sched Scheduler, paramPrefix string, opts ...Option) (*ReplyService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if pacer == nil {
		return nil, errors.New("usecase: pacer must not be nil")
	}
	if sched == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	s := &ReplyService{
		params:        p,
		store:         store,
		llm:           llm,
		pacer:         pacer,
		scheduler:     sched,
		paramPrefix:   paramPrefix,
		contextWindow: defaultContextWindow,
		clock:         clock.Real{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = pacing.NewLockedSource(uint64(time.Now().UnixNano()))
	}
	return s, nil
}

// HandleInbound records the inbound turn, generates a reply and schedules its
// delivery. Storage failures are logged and do not stop the pipeline. A failed
// or empty completion leaves no agent turn and schedules nothing.
func (s *ReplyService) HandleInbound(ctx context.Context, in InboundInput) (InboundOutput, error) {
	correspondentID := strings.TrimSpace(in.CorrespondentID)
	if correspondentID == "" {
		return InboundOutput{}, newError(ErrorInvalidInput, "empty_correspondent", nil)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return InboundOutput{}, newError(ErrorInvalidInput, "empty_text", nil)
	}
	metrics.InboundMessages.Inc()

	log := s.logger.With("correspondent", correspondentID)
	if in.CorrelationID != "" {
		log = log.With("correlation_id", in.CorrelationID)
	}

	inbound := domain.Turn{
		ID:              newUUID(),
		CorrespondentID: correspondentID,
		Role:            domain.RoleUser,
		Text:            text,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.store.AppendTurn(ctx, inbound); err != nil {
		s.persistenceFailed(log, "append_user", err)
	}

	// One extra row covers the inbound turn we just wrote.
	var history []domain.Turn
	recent, err := s.store.LoadRecentTurns(ctx, correspondentID, s.contextWindow+1)
	if err != nil {
		s.persistenceFailed(log, "load_context", err)
	} else {
		history = contextWithout(recent, inbound.ID, s.contextWindow)
	}

	if err := s.ensureConfig(ctx); err != nil {
		metrics.GenerationFailures.Inc()
		uerr := newError(ErrorInternal, "param_load_error", err)
		log.Error("reply aborted", "code", uerr.Code, "err", uerr)
		return InboundOutput{InboundTurnID: inbound.ID}, uerr
	}
	persona, model := s.config()

	reply, err := s.llm.Complete(ctx, model, persona, buildCompletionTurns(history, text))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		metrics.GenerationFailures.Inc()
		reason := "completion_error"
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			reason = "completion_rate_limited"
		}
		uerr := newError(ErrorUpstreamGeneration, reason, err)
		log.Error("reply aborted", "code", uerr.Code, "reason", reason, "err", err)
		return InboundOutput{InboundTurnID: inbound.ID}, uerr
	}
	reply = strings.TrimSpace(reply)

	agent := domain.Turn{
		ID:              newUUID(),
		CorrespondentID: correspondentID,
		Role:            domain.RoleAgent,
		Text:            reply,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.store.AppendTurn(ctx, agent); err != nil {
		s.persistenceFailed(log, "append_agent", err)
	}

	decision := s.pacer.Decide(reply, s.rng)
	metrics.PacingDecisions.WithLabelValues(
		strconv.FormatBool(decision.IsLongPause),
		strconv.FormatBool(decision.Split != nil),
	).Inc()

	out := InboundOutput{
		InboundTurnID: inbound.ID,
		ReplyTurnID:   agent.ID,
		Reply:         reply,
		Decision:      decision,
	}
	out.Tasks = s.scheduler.Enqueue(decision, correspondentID, reply)
	if len(out.Tasks) == 0 {
		uerr := newError(ErrorDelivery, "scheduler_closed", nil)
		log.Error("reply not scheduled", "code", uerr.Code)
		return out, uerr
	}

	log.Info("reply paced",
		"words", decision.WordCount,
		"delay_ms", decision.BaseDelayMs(),
		"long_pause", decision.IsLongPause,
		"split", decision.Split != nil,
		"follow_up_ms", decision.FollowUpDelayMs(),
	)
	return out, nil
}

func (s *ReplyService) persistenceFailed(log *slog.Logger, op string, err error) {
	metrics.PersistenceFailures.WithLabelValues(op).Inc()
	log.Warn("turn store failure, continuing", "code", ErrorPersistence, "op", op, "err", err)
}

func (s *ReplyService) config() (persona, model string) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.persona, s.openaiModel
}

func (s *ReplyService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	persona, err := s.optionalParam(ctx, "/persona_prompt", defaultPersona)
	if err != nil {
		return fmt.Errorf("usecase: load persona prompt: %w", err)
	}
	model, err := s.optionalParam(ctx, "/config/openai_model", defaultModel)
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.persona = persona
	s.openaiModel = model
	s.cacheLoaded = true
	return nil
}

// optionalParam returns fallback when the parameter is missing or blank.
func (s *ReplyService) optionalParam(ctx context.Context, suffix, fallback string) (string, error) {
	v, err := s.params.GetParameter(ctx, s.paramPrefix+suffix)
	if errors.Is(err, paramstore.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	if v = strings.TrimSpace(v); v == "" {
		return fallback, nil
	}
	return v, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}

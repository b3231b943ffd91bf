package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-agent/internal/clock"
	"persona-agent/internal/domain"
	"persona-agent/internal/integrations/openai"
	"persona-agent/internal/integrations/paramstore"
	"persona-agent/internal/pacing"
	"persona-agent/internal/repository"
	"persona-agent/internal/scheduler"
)

const testPrefix = "/persona-agent"

type mockParams struct {
	mu    sync.Mutex
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param %s: %w", name, paramstore.ErrNotFound)
	}
	return v, nil
}

type completion struct {
	reply string
	err   error
}

type capturingLLM struct {
	mu        sync.Mutex
	responses []completion
	calls     int
	model     string
	system    string
	turns     []domain.ChatMessage
}

func (c *capturingLLM) Complete(_ context.Context, model, system string, turns []domain.ChatMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model, c.system, c.turns = model, system, turns
	if len(c.responses) == 0 {
		return "", errors.New("no llm response configured")
	}
	idx := min(c.calls, len(c.responses)-1)
	c.calls++
	return c.responses[idx].reply, c.responses[idx].err
}

// flakyStore wraps the in-memory store with injectable failures.
type flakyStore struct {
	*repository.MemoryStore
	failAppend map[domain.Role]error
	failLoad   error
	loadLimit  int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: repository.NewMemoryStore(), failAppend: map[domain.Role]error{}}
}

func (s *flakyStore) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if err := s.failAppend[turn.Role]; err != nil {
		return err
	}
	return s.MemoryStore.AppendTurn(ctx, turn)
}

func (s *flakyStore) LoadRecentTurns(ctx context.Context, id string, limit int) ([]domain.Turn, error) {
	s.loadLimit = limit
	if s.failLoad != nil {
		return nil, s.failLoad
	}
	return s.MemoryStore.LoadRecentTurns(ctx, id, limit)
}

func (s *flakyStore) roles(t *testing.T, id string) []domain.Role {
	t.Helper()
	turns, err := s.MemoryStore.LoadRecentTurns(context.Background(), id, 100)
	require.NoError(t, err)
	out := make([]domain.Role, 0, len(turns))
	for _, turn := range turns {
		out = append(out, turn.Role)
	}
	return out
}

type recordingScheduler struct {
	closed    bool
	decisions []pacing.Decision
	replies   []string
}

func (r *recordingScheduler) Enqueue(d pacing.Decision, id, text string) []domain.DeliveryTask {
	if r.closed {
		return nil
	}
	r.decisions = append(r.decisions, d)
	r.replies = append(r.replies, text)
	return []domain.DeliveryTask{{ID: "task", CorrespondentID: id, PayloadText: text, Status: domain.TaskPending}}
}

// scriptedSource returns queued values and repeats the last one.
type scriptedSource struct {
	ints   []int
	floats []float64
}

func (s *scriptedSource) IntN(n int) int {
	v := s.ints[0]
	if len(s.ints) > 1 {
		s.ints = s.ints[1:]
	}
	return v % n
}

func (s *scriptedSource) Float64() float64 {
	v := s.floats[0]
	if len(s.floats) > 1 {
		s.floats = s.floats[1:]
	}
	return v
}

type fixture struct {
	params *mockParams
	store  *flakyStore
	llm    *capturingLLM
	sched  *recordingScheduler
	clock  *clock.Fake
	svc    *ReplyService
}

var start = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, responses ...completion) *fixture {
	t.Helper()
	f := &fixture{
		params: &mockParams{vals: map[string]string{}},
		store:  newFlakyStore(),
		llm:    &capturingLLM{responses: responses},
		sched:  &recordingScheduler{},
		clock:  clock.NewFake(start),
	}
	model, err := pacing.New(pacing.DefaultConfig())
	require.NoError(t, err)
	f.svc, err = NewReplyService(f.params, f.store, f.llm, model, f.sched, testPrefix,
		WithClock(f.clock),
		WithRandomSource(&scriptedSource{ints: []int{5}, floats: []float64{0.9}}),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAgent
		}
		require.NoError(t, f.store.MemoryStore.AppendTurn(context.Background(), domain.Turn{
			ID:              fmt.Sprintf("old-%d", i),
			CorrespondentID: id,
			Role:            role,
			Text:            fmt.Sprintf("old %d", i),
			CreatedAt:       start.Add(-time.Hour + time.Duration(i)*time.Second),
		}))
	}
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, code, uerr.Code)
	return uerr
}

func TestHandleInbound_HappyPath(t *testing.T) {
	f := newFixture(t, completion{reply: "  hey  "})
	f.seed(t, "+1555", 2)

	out, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: " +1555 ", Text: " hey "})
	require.NoError(t, err)
	require.Equal(t, "hey", out.Reply)
	require.NotEmpty(t, out.InboundTurnID)
	require.NotEmpty(t, out.ReplyTurnID)
	require.Len(t, out.Tasks, 1)

	require.Equal(t, defaultModel, f.llm.model)
	require.Equal(t, defaultPersona, f.llm.system)
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "old 0"},
		{Role: "assistant", Content: "old 1"},
		{Role: "user", Content: "hey"},
	}, f.llm.turns)

	require.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAgent, domain.RoleUser, domain.RoleAgent}, f.store.roles(t, "+1555"))

	require.Len(t, f.sched.decisions, 1)
	d := f.sched.decisions[0]
	require.Equal(t, 1, d.WordCount)
	require.Equal(t, int64(35000), d.BaseDelayMs())
	require.False(t, d.IsLongPause)
	require.Nil(t, d.Split)
	require.Equal(t, "hey", f.sched.replies[0])
}

func TestHandleInbound_ContextIsBoundedAndExcludesInbound(t *testing.T) {
	f := newFixture(t, completion{reply: "sure thing"})
	f.seed(t, "+1555", 15)

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1555", Text: "new message"})
	require.NoError(t, err)

	require.Equal(t, defaultContextWindow+1, f.store.loadLimit)
	require.Len(t, f.llm.turns, defaultContextWindow+1)
	require.Equal(t, "old 5", f.llm.turns[0].Content)
	require.Equal(t, "old 14", f.llm.turns[defaultContextWindow-1].Content)
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "new message"}, f.llm.turns[defaultContextWindow])
	for _, m := range f.llm.turns[:defaultContextWindow] {
		require.NotEqual(t, "new message", m.Content)
	}
}

func TestHandleInbound_CustomContextWindow(t *testing.T) {
	f := newFixture(t, completion{reply: "ok"})
	f.seed(t, "+1", 6)
	f.svc.contextWindow = 3

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hi"})
	require.NoError(t, err)
	require.Len(t, f.llm.turns, 4)
	require.Equal(t, "old 3", f.llm.turns[0].Content)
}

func TestHandleInbound_CompletionErrorLeavesNoAgentTurn(t *testing.T) {
	f := newFixture(t, completion{err: errors.New("upstream exploded")})

	out, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hello?"})
	uerr := requireCode(t, err, ErrorUpstreamGeneration)
	require.Equal(t, "completion_error", uerr.Reason)
	require.NotEmpty(t, out.InboundTurnID)
	require.Empty(t, out.Tasks)

	require.Equal(t, []domain.Role{domain.RoleUser}, f.store.roles(t, "+1"))
	require.Empty(t, f.sched.decisions)
}

func TestHandleInbound_CompletionRateLimited(t *testing.T) {
	f := newFixture(t, completion{err: fmt.Errorf("openai: request failed: %w", &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests})})

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hello?"})
	uerr := requireCode(t, err, ErrorUpstreamGeneration)
	require.Equal(t, "completion_rate_limited", uerr.Reason)
	require.Empty(t, f.sched.decisions)
}

func TestHandleInbound_EmptyCompletionIsAFailure(t *testing.T) {
	f := newFixture(t, completion{reply: "  \n "})

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hello?"})
	requireCode(t, err, ErrorUpstreamGeneration)
	require.Equal(t, []domain.Role{domain.RoleUser}, f.store.roles(t, "+1"))
	require.Empty(t, f.sched.decisions)
}

func TestHandleInbound_InboundAppendFailureContinues(t *testing.T) {
	f := newFixture(t, completion{reply: "still here"})
	f.seed(t, "+1", 2)
	f.store.failAppend[domain.RoleUser] = errors.New("disk full")

	out, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "you there?"})
	require.NoError(t, err)
	require.Len(t, out.Tasks, 1)
	require.Len(t, f.llm.turns, 3)
	require.Equal(t, "you there?", f.llm.turns[2].Content)
	require.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAgent, domain.RoleAgent}, f.store.roles(t, "+1"))
}

func TestHandleInbound_ContextLoadFailureContinuesWithoutHistory(t *testing.T) {
	f := newFixture(t, completion{reply: "hi again"})
	f.seed(t, "+1", 4)
	f.store.failLoad = errors.New("timeout")

	out, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "morning"})
	require.NoError(t, err)
	require.Equal(t, "hi again", out.Reply)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "morning"}}, f.llm.turns)
	require.Len(t, f.sched.decisions, 1)
}

func TestHandleInbound_AgentAppendFailureStillDelivers(t *testing.T) {
	f := newFixture(t, completion{reply: "miss you"})
	f.store.failAppend[domain.RoleAgent] = errors.New("throttled")

	out, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hey"})
	require.NoError(t, err)
	require.Len(t, out.Tasks, 1)
	require.Equal(t, []domain.Role{domain.RoleUser}, f.store.roles(t, "+1"))
}

func TestHandleInbound_Validation(t *testing.T) {
	f := newFixture(t, completion{reply: "x"})

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "", Text: "hi"})
	uerr := requireCode(t, err, ErrorInvalidInput)
	require.Equal(t, "empty_correspondent", uerr.Reason)

	_, err = f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "   "})
	uerr = requireCode(t, err, ErrorInvalidInput)
	require.Equal(t, "empty_text", uerr.Reason)

	require.Zero(t, f.llm.calls)
	require.Empty(t, f.store.roles(t, "+1"))
}

func TestHandleInbound_PersonaAndModelFromParams(t *testing.T) {
	f := newFixture(t, completion{reply: "bonjour"})
	f.params.vals[testPrefix+"/persona_prompt"] = "You are Marie."
	f.params.vals[testPrefix+"/config/openai_model"] = " gpt-test "

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "salut"})
	require.NoError(t, err)
	require.Equal(t, "You are Marie.", f.llm.system)
	require.Equal(t, "gpt-test", f.llm.model)

	calls := f.params.calls
	_, err = f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "encore"})
	require.NoError(t, err)
	require.Equal(t, calls, f.params.calls, "parameters are cached after the first load")
}

func TestHandleInbound_BlankPersonaFallsBack(t *testing.T) {
	f := newFixture(t, completion{reply: "hey"})
	f.params.vals[testPrefix+"/persona_prompt"] = "   "

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, defaultPersona, f.llm.system)
}

func TestHandleInbound_ParamFailureIsNotCached(t *testing.T) {
	f := newFixture(t, completion{reply: "hey"})
	f.params.err = errors.New("ssm unavailable")

	_, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hi"})
	requireCode(t, err, ErrorInternal)
	require.Zero(t, f.llm.calls)
	require.Empty(t, f.sched.decisions)

	f.params.err = nil
	_, err = f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, 1, f.llm.calls)
}

func TestHandleInbound_SchedulerClosed(t *testing.T) {
	f := newFixture(t, completion{reply: "too late"})
	f.sched.closed = true

	out, err := f.svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hi"})
	requireCode(t, err, ErrorDelivery)
	require.Equal(t, "too late", out.Reply)
	require.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAgent}, f.store.roles(t, "+1"))
}

func TestNewReplyService_Validation(t *testing.T) {
	model, err := pacing.New(pacing.DefaultConfig())
	require.NoError(t, err)
	p, st, llm, sc := &mockParams{}, newFlakyStore(), &capturingLLM{}, &recordingScheduler{}

	cases := []struct {
		name string
		fn   func() (*ReplyService, error)
		want string
	}{
		{"params", func() (*ReplyService, error) { return NewReplyService(nil, st, llm, model, sc, testPrefix) }, "param getter"},
		{"store", func() (*ReplyService, error) { return NewReplyService(p, nil, llm, model, sc, testPrefix) }, "turn store"},
		{"llm", func() (*ReplyService, error) { return NewReplyService(p, st, nil, model, sc, testPrefix) }, "completer"},
		{"pacer", func() (*ReplyService, error) { return NewReplyService(p, st, llm, nil, sc, testPrefix) }, "pacer"},
		{"scheduler", func() (*ReplyService, error) { return NewReplyService(p, st, llm, model, nil, testPrefix) }, "scheduler"},
		{"prefix", func() (*ReplyService, error) { return NewReplyService(p, st, llm, model, sc, " / ") }, "prefix"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.fn()
			require.ErrorContains(t, err, tc.want)
		})
	}
}

// The tests below run the real scheduler on a virtual clock.

type sentMessage struct {
	to, body string
	at       time.Time
}

type clockSender struct {
	mu    sync.Mutex
	clock clock.Clock
	sent  []sentMessage
}

func (s *clockSender) Send(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: to, body: body, at: s.clock.Now()})
	return nil
}

func newPipeline(t *testing.T, rng pacing.RandomSource, responses ...completion) (*ReplyService, *clockSender, *clock.Fake, *flakyStore) {
	t.Helper()
	fc := clock.NewFake(start)
	sender := &clockSender{clock: fc}
	sched, err := scheduler.New(sender, scheduler.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	model, err := pacing.New(pacing.DefaultConfig())
	require.NoError(t, err)
	store := newFlakyStore()
	svc, err := NewReplyService(&mockParams{vals: map[string]string{}}, store, &capturingLLM{responses: responses}, model, sched, testPrefix,
		WithClock(fc),
		WithRandomSource(rng),
	)
	require.NoError(t, err)
	return svc, sender, fc, store
}

func TestPipeline_ThirtyWordReplyIsSplit(t *testing.T) {
	reply := strings.TrimSpace(strings.Repeat("word ", 30))
	rng := &scriptedSource{ints: []int{10, 5}, floats: []float64{0.5, 0.1}}
	svc, sender, fc, _ := newPipeline(t, rng, completion{reply: reply})

	out, err := svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "tell me about the farm"})
	require.NoError(t, err)
	require.Len(t, out.Tasks, 2)
	require.Equal(t, start.Add(70*time.Second), out.Tasks[0].NotBefore)
	require.Equal(t, start.Add(105*time.Second), out.Tasks[1].NotBefore)

	fc.Advance(69 * time.Second)
	require.Empty(t, sender.sent)
	fc.Advance(time.Second)
	require.Len(t, sender.sent, 1)
	require.Len(t, strings.Fields(sender.sent[0].body), 15)
	fc.Advance(35 * time.Second)
	require.Len(t, sender.sent, 2)
	require.Equal(t, reply, sender.sent[0].body+" "+sender.sent[1].body)
}

func TestPipeline_TwoMessagesWithinASecond(t *testing.T) {
	rng := &scriptedSource{ints: []int{0}, floats: []float64{0.9}}
	svc, sender, fc, store := newPipeline(t, rng, completion{reply: "first reply"}, completion{reply: "second reply"})

	_, err := svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "hey"})
	require.NoError(t, err)
	fc.Advance(500 * time.Millisecond)
	_, err = svc.HandleInbound(context.Background(), InboundInput{CorrespondentID: "+1", Text: "you there?"})
	require.NoError(t, err)

	fc.Advance(time.Minute)
	require.Len(t, sender.sent, 2)
	require.Equal(t, "first reply", sender.sent[0].body)
	require.Equal(t, "second reply", sender.sent[1].body)

	turns, err := store.MemoryStore.LoadRecentTurns(context.Background(), "+1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i := 1; i < len(turns); i++ {
		require.False(t, turns[i].CreatedAt.Before(turns[i-1].CreatedAt))
	}
}

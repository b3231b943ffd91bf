// Package scheduler owns pending reply deliveries and fires each one at its
// send time, independently of the request that produced it.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"persona-agent/internal/clock"
	"persona-agent/internal/domain"
	"persona-agent/internal/metrics"
	"persona-agent/internal/pacing"
)

const (
	defaultSendTimeout = 15 * time.Second
	// Finished tasks kept for Task lookups; the oldest are evicted first.
	defaultHistorySize = 256
)

// Sender is the delivery collaborator.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// Counts summarises task outcomes since the scheduler was created.
type Counts struct {
	Pending int
	Fired   int
	Failed  int
}

type entry struct {
	task  domain.DeliveryTask
	timer clock.Timer
	// after is closed once the previous part of the same reply has been sent.
	after <-chan struct{}
	done  chan struct{}
}

// Scheduler registers DeliveryTasks and fires them on a clock.
// Tasks cannot be withdrawn once enqueued.
type Scheduler struct {
	sender      Sender
	clock       clock.Clock
	sendTimeout time.Duration
	logger      *slog.Logger
	newID       func() string

	historySize int

	mu       sync.Mutex
	tasks    map[string]*entry
	finished map[string]domain.DeliveryTask
	history  []string
	fired    int
	failed   int
	closed   bool
	inflight sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithHistorySize sets how many fired or failed tasks Task can still report.
func WithHistorySize(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.historySize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a Scheduler delivering through sender.
func New(sender Sender, opts ...Option) (*Scheduler, error) {
	if sender == nil {
		return nil, errors.New("scheduler: sender must not be nil")
	}
	s := &Scheduler{
		sender:      sender,
		clock:       clock.Real{},
		sendTimeout: defaultSendTimeout,
		logger:      slog.Default(),
		newID:       uuid.NewString,
		historySize: defaultHistorySize,
		tasks:       make(map[string]*entry),
		finished:    make(map[string]domain.DeliveryTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue registers one task for an unsplit reply or two for a split one and
// returns them in sequence order. It never blocks on delivery.
func (s *Scheduler) Enqueue(decision pacing.Decision, correspondentID, replyText string) []domain.DeliveryTask {
	type part struct {
		text  string
		delay time.Duration
	}
	parts := []part{{text: replyText, delay: decision.BaseDelay}}
	if decision.Split != nil {
		parts = []part{
			{text: decision.Split.FirstPart, delay: decision.BaseDelay},
			{text: decision.Split.SecondPart, delay: decision.BaseDelay + decision.Split.FollowUpDelay},
		}
	}

	now := s.clock.Now()
	replyID := s.newID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("scheduler closed, dropping reply", "correspondent", correspondentID, "reply_id", replyID)
		return nil
	}

	out := make([]domain.DeliveryTask, 0, len(parts))
	var prev chan struct{}
	for i, p := range parts {
		e := &entry{
			task: domain.DeliveryTask{
				ID:              s.newID(),
				ReplyID:         replyID,
				CorrespondentID: correspondentID,
				PayloadText:     p.text,
				NotBefore:       now.Add(p.delay),
				Sequence:        i,
				Status:          domain.TaskPending,
			},
			after: prev,
			done:  make(chan struct{}),
		}
		prev = e.done

		id := e.task.ID
		s.tasks[id] = e
		e.timer = s.clock.AfterFunc(p.delay, func() { s.fire(id) })
		out = append(out, e.task)

		metrics.DeliveriesScheduled.Inc()
		metrics.DeliveriesPending.Inc()
	}

	s.logger.Info("reply scheduled",
		"correspondent", correspondentID,
		"reply_id", replyID,
		"parts", len(out),
		"delay", decision.BaseDelay,
		"long_pause", decision.IsLongPause,
	)
	return out
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if s.closed {
		// timer fired while Shutdown held the lock
		delete(s.tasks, id)
		s.mu.Unlock()
		close(e.done)
		metrics.DeliveriesPending.Dec()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if e.after != nil {
		<-e.after
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	start := time.Now()
	err := s.sender.Send(ctx, e.task.CorrespondentID, e.task.PayloadText)
	cancel()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	delete(s.tasks, id)
	if err != nil {
		s.failed++
		e.task.Status = domain.TaskFailed
	} else {
		s.fired++
		e.task.Status = domain.TaskFired
	}
	s.remember(e.task)
	s.mu.Unlock()
	close(e.done)
	metrics.DeliveriesPending.Dec()

	log := s.logger.With(
		"correspondent", e.task.CorrespondentID,
		"reply_id", e.task.ReplyID,
		"task_id", id,
		"sequence", e.task.Sequence,
	)
	if err != nil {
		metrics.DeliveriesCompleted.WithLabelValues(string(domain.TaskFailed)).Inc()
		log.Error("delivery failed", "err", err)
		return
	}
	metrics.DeliveriesCompleted.WithLabelValues(string(domain.TaskFired)).Inc()
	log.Info("delivery sent")
}

// remember records a finished task. s.mu must be held.
func (s *Scheduler) remember(task domain.DeliveryTask) {
	if s.historySize == 0 {
		return
	}
	if len(s.history) == s.historySize {
		delete(s.finished, s.history[0])
		s.history = s.history[1:]
	}
	s.finished[task.ID] = task
	s.history = append(s.history, task.ID)
}

// Task reports the current state of a task: pending until its send is
// attempted, then fired or failed. Tasks dropped at shutdown or evicted from
// the finished history are not found.
func (s *Scheduler) Task(id string) (domain.DeliveryTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[id]; ok {
		return e.task, true
	}
	task, ok := s.finished[id]
	return task, ok
}

// Pending returns the tasks that have not fired yet, ordered by send time.
func (s *Scheduler) Pending() []domain.DeliveryTask {
	s.mu.Lock()
	out := make([]domain.DeliveryTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NotBefore.Equal(out[j].NotBefore) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].NotBefore.Before(out[j].NotBefore)
	})
	return out
}

func (s *Scheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{Pending: len(s.tasks), Fired: s.fired, Failed: s.failed}
}

// Shutdown stops every unfired timer and waits for in-flight sends until ctx
// is done. Dropped tasks are logged; they are not persisted anywhere.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	dropped := 0
	for id, e := range s.tasks {
		if e.timer != nil && e.timer.Stop() {
			delete(s.tasks, id)
			dropped++
			metrics.DeliveriesPending.Dec()
		}
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("dropping undelivered replies on shutdown", "tasks", dropped)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package pacing decides how long to wait before delivering a generated reply
// and whether to deliver it as two messages.
package pacing

import (
	"strings"
	"time"
)

// Split describes a reply delivered as two messages.
type Split struct {
	FirstPart     string
	SecondPart    string
	FollowUpDelay time.Duration
}

// Decision is the pure output of Model.Decide.
type Decision struct {
	WordCount   int
	BaseDelay   time.Duration
	IsLongPause bool
	Split       *Split
}

func (d Decision) BaseDelayMs() int64 { return d.BaseDelay.Milliseconds() }

// FollowUpDelayMs returns 0 when the reply is not split.
func (d Decision) FollowUpDelayMs() int64 {
	if d.Split == nil {
		return 0
	}
	return d.Split.FollowUpDelay.Milliseconds()
}

// Model maps reply size and randomness to a Decision.
type Model struct {
	cfg Config
}

// New validates cfg and returns a Model.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg}, nil
}

// Decide computes the delivery pacing for replyText. Draws are taken from rng
// in a fixed order, so a seeded source gives reproducible decisions.
func (m *Model) Decide(replyText string, rng RandomSource) Decision {
	words := strings.Fields(replyText)
	n := len(words)

	out := Decision{
		WordCount: n,
		BaseDelay: draw(m.bandFor(n), rng),
	}

	if rng.Float64() < m.cfg.LongPauseProbability {
		out.BaseDelay = draw(m.cfg.LongPause, rng)
		out.IsLongPause = true
	}

	if n > m.cfg.LongWords && rng.Float64() < m.cfg.SplitProbability {
		half := n / 2
		out.Split = &Split{
			FirstPart:     strings.Join(words[:half], " "),
			SecondPart:    strings.Join(words[half:], " "),
			FollowUpDelay: draw(m.cfg.FollowUp, rng),
		}
	}

	return out
}

func (m *Model) bandFor(words int) Band {
	switch {
	case words < m.cfg.ShortWords:
		return m.cfg.Short
	case words <= m.cfg.LongWords:
		return m.cfg.Medium
	default:
		return m.cfg.Long
	}
}

// draw picks a whole number of seconds uniformly from b, inclusive.
func draw(b Band, rng RandomSource) time.Duration {
	lo := int(b.Min / time.Second)
	hi := int(b.Max / time.Second)
	return time.Duration(lo+rng.IntN(hi-lo+1)) * time.Second
}

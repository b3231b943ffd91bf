package pacing

import (
	"errors"
	"fmt"
	"time"
)

// Band is an inclusive delay range in whole seconds.
type Band struct {
	Min time.Duration
	Max time.Duration
}

func (b Band) validate(name string) error {
	if b.Min < time.Second {
		return fmt.Errorf("pacing: %s band minimum must be at least 1s, got %s", name, b.Min)
	}
	if b.Min%time.Second != 0 || b.Max%time.Second != 0 {
		return fmt.Errorf("pacing: %s band must use whole seconds, got %s-%s", name, b.Min, b.Max)
	}
	if b.Max < b.Min {
		return fmt.Errorf("pacing: %s band maximum %s is below minimum %s", name, b.Max, b.Min)
	}
	return nil
}

// Config holds every tunable of the pacing model.
type Config struct {
	// Replies with fewer words than ShortWords use the Short band.
	ShortWords int
	// Replies with more words than LongWords use the Long band and may be split.
	LongWords int

	Short  Band
	Medium Band
	Long   Band

	LongPauseProbability float64
	LongPause            Band

	SplitProbability float64
	FollowUp         Band
}

// DefaultConfig returns the stock pacing bands.
func DefaultConfig() Config {
	return Config{
		ShortWords:           12,
		LongWords:            25,
		Short:                Band{Min: 30 * time.Second, Max: 60 * time.Second},
		Medium:               Band{Min: 45 * time.Second, Max: 90 * time.Second},
		Long:                 Band{Min: 60 * time.Second, Max: 120 * time.Second},
		LongPauseProbability: 0.20,
		LongPause:            Band{Min: 120 * time.Second, Max: 180 * time.Second},
		SplitProbability:     0.25,
		FollowUp:             Band{Min: 30 * time.Second, Max: 60 * time.Second},
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if c.ShortWords < 1 {
		return errors.New("pacing: short word threshold must be positive")
	}
	if c.LongWords < c.ShortWords {
		return errors.New("pacing: long word threshold must not be below short word threshold")
	}
	bands := []struct {
		name string
		band Band
	}{
		{"short", c.Short},
		{"medium", c.Medium},
		{"long", c.Long},
		{"long pause", c.LongPause},
		{"follow-up", c.FollowUp},
	}
	for _, b := range bands {
		if err := b.band.validate(b.name); err != nil {
			return err
		}
	}
	if c.LongPauseProbability < 0 || c.LongPauseProbability > 1 {
		return fmt.Errorf("pacing: long pause probability %v outside [0,1]", c.LongPauseProbability)
	}
	if c.SplitProbability < 0 || c.SplitProbability > 1 {
		return fmt.Errorf("pacing: split probability %v outside [0,1]", c.SplitProbability)
	}
	return nil
}

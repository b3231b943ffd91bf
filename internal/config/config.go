// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"persona-agent/internal/pacing"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"

	ParamSourceSSM = "ssm"
	ParamSourceEnv = "env"
)

// Config holds all configuration for the server and the history Lambda.
type Config struct {
	Port string `validate:"required,numeric"`
	Env  string `validate:"oneof=development production"`

	StoreBackend string `validate:"oneof=memory sqlite dynamodb"`
	StateTable   string `validate:"required_if=StoreBackend dynamodb"`
	SQLitePath   string `validate:"required_if=StoreBackend sqlite"`

	ParamSource   string `validate:"oneof=ssm env"`
	ParamPrefix   string `validate:"required,startswith=/"`
	ContextWindow int    `validate:"min=1,max=100"`

	UseMockLLM       bool
	DeliveryDisabled bool
	DeliveryTimeout  time.Duration `validate:"gt=0"`
	OpenAIBaseURL    string        `validate:"omitempty,url"`
	OpenAITimeout    time.Duration `validate:"gt=0"`
	TwilioBaseURL    string        `validate:"omitempty,url"`

	Pacing pacing.Config
	// PacingSeed fixes the random source; zero seeds from the clock.
	PacingSeed uint64
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return loadFrom(os.LookupEnv)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

type env struct {
	lookup func(string) (string, bool)
	errs   []string
}

func loadFrom(lookup func(string) (string, bool)) (*Config, error) {
	e := &env{lookup: lookup}
	p := pacing.DefaultConfig()

	cfg := &Config{
		Port:             e.str("PORT", "8080"),
		Env:              e.str("ENV", "development"),
		StoreBackend:     strings.ToLower(e.str("STORE_BACKEND", StoreMemory)),
		StateTable:       e.str("STATE_TABLE", ""),
		SQLitePath:       e.str("SQLITE_PATH", "./data/conversations.db"),
		ParamSource:      strings.ToLower(e.str("PARAM_SOURCE", ParamSourceEnv)),
		ParamPrefix:      strings.TrimRight(e.str("PARAM_PREFIX", "/persona-agent"), "/"),
		ContextWindow:    e.integer("CONTEXT_WINDOW", 10),
		UseMockLLM:       e.boolean("USE_MOCK_LLM", false),
		DeliveryDisabled: e.boolean("DELIVERY_DISABLED", false),
		DeliveryTimeout:  e.duration("DELIVERY_TIMEOUT", 15*time.Second),
		OpenAIBaseURL:    e.str("OPENAI_BASE_URL", ""),
		OpenAITimeout:    e.duration("OPENAI_TIMEOUT", 30*time.Second),
		TwilioBaseURL:    e.str("TWILIO_BASE_URL", ""),
		PacingSeed:       uint64(e.integer("PACING_SEED", 0)),
		Pacing: pacing.Config{
			ShortWords:           e.integer("PACING_SHORT_WORDS", p.ShortWords),
			LongWords:            e.integer("PACING_LONG_WORDS", p.LongWords),
			Short:                e.band("PACING_SHORT", p.Short),
			Medium:               e.band("PACING_MEDIUM", p.Medium),
			Long:                 e.band("PACING_LONG", p.Long),
			LongPauseProbability: e.number("PACING_LONG_PAUSE_PROBABILITY", p.LongPauseProbability),
			LongPause:            e.band("PACING_LONG_PAUSE", p.LongPause),
			SplitProbability:     e.number("PACING_SPLIT_PROBABILITY", p.SplitProbability),
			FollowUp:             e.band("PACING_FOLLOW_UP", p.FollowUp),
		},
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	if err := cfg.Pacing.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// duration accepts Go duration strings or a bare number of seconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

// band reads <prefix>_MIN and <prefix>_MAX as durations.
func (e *env) band(prefix string, def pacing.Band) pacing.Band {
	return pacing.Band{
		Min: e.duration(prefix+"_MIN", def.Min),
		Max: e.duration(prefix+"_MAX", def.Max),
	}
}

// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/soaringjerry/NormLab/internal/services"
	"github.com/soaringjerry/NormLab/internal/utils"
)

type Config struct {
	Addr          string
	SQLitePath    string
	MigrationsDir string
	CatalogPath   string
	TranscriptDir string
	StaticDir     string
	CORSOrigins   []string

	RedisURL   string
	SessionTTL time.Duration

	OpenAIKey         string
	OpenAIBaseURL     string
	OpenAIModel       string
	CompletionTimeout time.Duration
	TerminationToken  string

	MinUserTurns     int
	OpinionMin       int
	OpinionMax       int
	AllowTopicChange bool
	AssignFallback   bool

	AdminEmail        string
	AdminPasswordHash string
	JWTSecret         string
	DraftInterval     time.Duration

	Commit    string
	BuildTime string
	LogLevel  string
}

// LoadDotEnv preloads .env.local then .env from the working directory.
// Variables already set in the environment win. NORMLAB_DOTENV=off disables it.
func LoadDotEnv(logger *slog.Logger) error {
	switch strings.ToLower(utils.SafeEnv("NORMLAB_DOTENV", "")) {
	case "0", "false", "off", "no":
		return nil
	}
	for _, p := range []string{".env.local", ".env"} {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
		if logger != nil {
			logger.Info("loaded env file", "path", p)
		}
	}
	return nil
}

// Load reads and validates every setting.
func Load() (*Config, error) {
	c := &Config{
		Addr:              utils.SafeEnv("NORMLAB_ADDR", ":8080"),
		SQLitePath:        utils.SafeEnv("NORMLAB_SQLITE_PATH", "data/normlab.db"),
		MigrationsDir:     utils.SafeEnv("NORMLAB_MIGRATIONS_DIR", ""),
		CatalogPath:       utils.SafeEnv("NORMLAB_CATALOG_PATH", ""),
		TranscriptDir:     utils.SafeEnv("NORMLAB_TRANSCRIPT_DIR", ""),
		StaticDir:         utils.SafeEnv("NORMLAB_STATIC_DIR", ""),
		RedisURL:          utils.SafeEnv("NORMLAB_REDIS_URL", ""),
		OpenAIKey:         utils.SafeEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     utils.SafeEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:       utils.SafeEnv("OPENAI_MODEL", ""),
		TerminationToken:  utils.SafeEnv("NORMLAB_TERMINATION_TOKEN", services.DefaultTerminationToken),
		AdminEmail:        utils.SafeEnv("NORMLAB_ADMIN_EMAIL", ""),
		AdminPasswordHash: utils.SafeEnv("NORMLAB_ADMIN_PASSWORD_HASH", ""),
		JWTSecret:         utils.SafeEnv("NORMLAB_JWT_SECRET", ""),
		Commit:            utils.SafeEnv("NORMLAB_COMMIT", ""),
		BuildTime:         utils.SafeEnv("NORMLAB_BUILD_TIME", ""),
		LogLevel:          utils.SafeEnv("LOG_LEVEL", "info"),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	c.SessionTTL, err = utils.EnvDuration("NORMLAB_SESSION_TTL", 24*time.Hour)
	collect(err)
	c.CompletionTimeout, err = utils.EnvDuration("NORMLAB_COMPLETION_TIMEOUT", services.DefaultCompletionTimeout)
	collect(err)
	c.DraftInterval, err = utils.EnvDuration("NORMLAB_DRAFT_INTERVAL", time.Second)
	collect(err)
	c.MinUserTurns, err = utils.EnvInt("NORMLAB_MIN_USER_TURNS", services.DefaultMinUserTurns)
	collect(err)
	c.OpinionMin, err = utils.EnvInt("NORMLAB_OPINION_MIN", services.DefaultOpinionMin)
	collect(err)
	c.OpinionMax, err = utils.EnvInt("NORMLAB_OPINION_MAX", services.DefaultOpinionMax)
	collect(err)
	c.AllowTopicChange, err = utils.EnvBool("NORMLAB_ALLOW_TOPIC_CHANGE", false)
	collect(err)
	c.AssignFallback, err = utils.EnvBool("NORMLAB_ASSIGN_FALLBACK", true)
	collect(err)

	if v := utils.SafeEnv("NORMLAB_CORS_ORIGINS", ""); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	collect(c.validate())
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.OpinionMin >= c.OpinionMax {
		errs = append(errs, fmt.Errorf("opinion scale %d..%d is empty", c.OpinionMin, c.OpinionMax))
	}
	if c.MinUserTurns < 1 {
		errs = append(errs, errors.New("NORMLAB_MIN_USER_TURNS must be at least 1"))
	}
	if c.CompletionTimeout <= 0 {
		errs = append(errs, errors.New("NORMLAB_COMPLETION_TIMEOUT must be positive"))
	}
	if strings.TrimSpace(c.TerminationToken) == "" {
		errs = append(errs, errors.New("NORMLAB_TERMINATION_TOKEN must not be blank"))
	}
	if (c.AdminEmail == "") != (c.AdminPasswordHash == "") {
		errs = append(errs, errors.New("NORMLAB_ADMIN_EMAIL and NORMLAB_ADMIN_PASSWORD_HASH must be set together"))
	}
	if c.AdminEmail != "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("NORMLAB_JWT_SECRET is required when a researcher account is configured"))
	}
	return errors.Join(errs...)
}

// RequireLLM is checked only by commands that talk to the model.
func (c *Config) RequireLLM() error {
	if c.OpenAIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	return nil
}

// Rules maps the experiment settings onto the state machine rules.
func (c *Config) Rules() services.Rules {
	return services.Rules{
		MinUserTurns:     c.MinUserTurns,
		OpinionMin:       c.OpinionMin,
		OpinionMax:       c.OpinionMax,
		AllowTopicChange: c.AllowTopicChange,
	}
}

// NewLogger builds the process logger: text to w at the given level.
func NewLogger(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps debug|info|warn|error; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

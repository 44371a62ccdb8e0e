// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/recall-labs/internal/domain"
)

// Upload sink modes.
const (
	UploadModeFile = "file"
	UploadModeGRPC = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	SessionRetention time.Duration // 0 disables the retention sweeper
	Upload           UploadConfig
	Experiment       ExperimentConfig
	Timeout          TimeoutConfig
}

// UploadConfig selects and configures the upload sink.
type UploadConfig struct {
	Mode    string
	Addr    string
	Dir     string
	Timeout time.Duration
}

// TimeoutConfig holds request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
}

// ExperimentConfig controls stimulus counts and trial timing.
type ExperimentConfig struct {
	Counts                     map[domain.ExperimentType]Counts
	StudyPhaseDelay            time.Duration
	FixationDuration           time.Duration
	PreloadMaxWait             time.Duration
	DistractorTrialCount       int
	DistractorMin              int
	DistractorMax              int
	DistractorKeys             [2]string
	CheckPreviousParticipation bool
	// ExperimentIDs maps "<experiment>_<lang>" to the collector experiment id.
	ExperimentIDs map[string]string
}

// Counts sizes the learning and test sets of one experiment type.
type Counts struct {
	ItemCountLearning int
	TestOldCount      int
	TestNewCount      int
}

// ExperimentID returns the collector id for an experiment type and language.
func (e ExperimentConfig) ExperimentID(expType domain.ExperimentType, lang domain.Language) string {
	return e.ExperimentIDs[string(expType)+"_"+string(lang)]
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/recall.db"),
		SessionRetention: getEnvDuration("SESSION_RETENTION", 0),
		Upload: UploadConfig{
			Mode:    strings.ToLower(getEnv("UPLOAD_MODE", UploadModeFile)),
			Addr:    getEnv("UPLOAD_ADDR", "localhost:50052"),
			Dir:     getEnv("UPLOAD_DIR", "./data/uploads"),
			Timeout: getEnvDuration("UPLOAD_TIMEOUT", 30*time.Second),
		},
		Experiment: ExperimentConfig{
			Counts: map[domain.ExperimentType]Counts{
				domain.ExperimentLinguistic: loadCounts("LINGUISTIC"),
				domain.ExperimentVisual:     loadCounts("VISUAL"),
			},
			StudyPhaseDelay:            time.Duration(getEnvInt("STUDY_PHASE_DELAY_MS", 2000)) * time.Millisecond,
			FixationDuration:           time.Duration(getEnvInt("FIXATION_DURATION_MS", 500)) * time.Millisecond,
			PreloadMaxWait:             time.Duration(getEnvInt("PRELOAD_MAX_WAIT_MS", 30000)) * time.Millisecond,
			DistractorTrialCount:       getEnvInt("DISTRACTOR_TRIAL_COUNT", 10),
			DistractorMin:              getEnvInt("DISTRACTOR_MIN", 1),
			DistractorMax:              getEnvInt("DISTRACTOR_MAX", 99),
			DistractorKeys:             [2]string{getEnv("DISTRACTOR_KEY_EVEN", "f"), getEnv("DISTRACTOR_KEY_ODD", "j")},
			CheckPreviousParticipation: getEnvBool("CHECK_PREVIOUS_PARTICIPATION", true),
			ExperimentIDs: map[string]string{
				"linguistic_de": getEnv("EXPERIMENT_ID_LINGUISTIC_DE", "yUSxzuv3Luor"),
				"linguistic_tr": getEnv("EXPERIMENT_ID_LINGUISTIC_TR", "n4hYLGlobOM4"),
				"visual_de":     getEnv("EXPERIMENT_ID_VISUAL_DE", "1VVDbH7YRvlM"),
				"visual_tr":     getEnv("EXPERIMENT_ID_VISUAL_TR", "DzWRejvo7gHv"),
			},
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadCounts(prefix string) Counts {
	return Counts{
		ItemCountLearning: getEnvInt("ITEM_COUNT_LEARNING_"+prefix, 4),
		TestOldCount:      getEnvInt("TEST_OLD_COUNT_"+prefix, 2),
		TestNewCount:      getEnvInt("TEST_NEW_COUNT_"+prefix, 2),
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionRetention < 0 {
		return fmt.Errorf("SESSION_RETENTION must be >= 0")
	}
	switch c.Upload.Mode {
	case UploadModeFile:
		if c.Upload.Dir == "" {
			return fmt.Errorf("UPLOAD_DIR cannot be empty in file mode")
		}
	case UploadModeGRPC:
		if c.Upload.Addr == "" {
			return fmt.Errorf("UPLOAD_ADDR cannot be empty in grpc mode")
		}
	default:
		return fmt.Errorf("UPLOAD_MODE must be %q or %q, got %q", UploadModeFile, UploadModeGRPC, c.Upload.Mode)
	}
	return c.Experiment.Validate()
}

// Validate checks stimulus counts and distractor settings.
func (e ExperimentConfig) Validate() error {
	for expType, counts := range e.Counts {
		if counts.ItemCountLearning <= 0 {
			return fmt.Errorf("%s: item count for learning must be > 0", expType)
		}
		if counts.TestOldCount < 0 || counts.TestNewCount < 0 {
			return fmt.Errorf("%s: test counts must be >= 0", expType)
		}
		if counts.TestOldCount > counts.ItemCountLearning {
			return fmt.Errorf("%s: test old count %d exceeds learning count %d", expType, counts.TestOldCount, counts.ItemCountLearning)
		}
	}
	if e.DistractorTrialCount < 0 {
		return fmt.Errorf("DISTRACTOR_TRIAL_COUNT must be >= 0")
	}
	if e.DistractorMin > e.DistractorMax {
		return fmt.Errorf("DISTRACTOR_MIN must be <= DISTRACTOR_MAX")
	}
	if e.DistractorKeys[0] == "" || e.DistractorKeys[0] == e.DistractorKeys[1] {
		return fmt.Errorf("distractor keys must be two distinct non-empty keys")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

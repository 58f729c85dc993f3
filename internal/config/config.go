package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultAnalysisModel     = "gpt-4o-mini"
	DefaultAnalysisMaxTokens = 1000
	DefaultBufferSize        = 100
	DefaultCheckInterval     = 45
	DefaultTimeGapSeconds    = 1800
	DefaultMinMessages       = 4
	DefaultForceChunkMaxAge  = 1800
	DefaultSessionMaxAgeDays = 30
	DefaultDailyFlush        = "03:30"
)

type Config struct {
	Trainer     TrainerConfig     `json:"trainer"`
	Analysis    AnalysisConfig    `json:"analysis"`
	Channels    ChannelsConfig    `json:"channels"`
	Memory      MemoryConfig      `json:"memory"`
	Session     SessionConfig     `json:"session"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// TrainerConfig points at the conversational backend that answers
// messages and receives uploaded memory documents.
type TrainerConfig struct {
	BaseURL  string `json:"baseUrl"`
	APIToken string `json:"apiToken"`
	AgentID  string `json:"agentId,omitempty"`
}

// AnalysisConfig selects the OpenAI-compatible model used for topic
// classification and reflection generation.
type AnalysisConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type MemoryConfig struct {
	Enabled          bool     `json:"enabled"`
	Channels         []string `json:"channels"`
	BufferSize       int      `json:"bufferSize,omitempty"`
	CheckInterval    int      `json:"checkInterval,omitempty"`
	TimeGapSeconds   int      `json:"timeGapSeconds,omitempty"`
	MinMessages      int      `json:"minMessages,omitempty"`
	ForceChunkMaxAge int      `json:"forceChunkMaxAge,omitempty"`
	DataDir          string   `json:"dataDir,omitempty"`
	QueueDBPath      string   `json:"queueDbPath,omitempty"`
}

type SessionConfig struct {
	DBPath     string `json:"dbPath,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty"`
}

type MaintenanceConfig struct {
	DailyFlush string `json:"dailyFlush,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Trainer: TrainerConfig{},
		Analysis: AnalysisConfig{
			Model:     DefaultAnalysisModel,
			MaxTokens: DefaultAnalysisMaxTokens,
		},
		Channels: ChannelsConfig{},
		Memory: MemoryConfig{
			Enabled:          false,
			BufferSize:       DefaultBufferSize,
			CheckInterval:    DefaultCheckInterval,
			TimeGapSeconds:   DefaultTimeGapSeconds,
			MinMessages:      DefaultMinMessages,
			ForceChunkMaxAge: DefaultForceChunkMaxAge,
			DataDir:          filepath.Join(ConfigDir(), "data", "conversations"),
			QueueDBPath:      filepath.Join(ConfigDir(), "data", "memory_queue.db"),
		},
		Session: SessionConfig{
			DBPath:     filepath.Join(ConfigDir(), "data", "sessions.db"),
			MaxAgeDays: DefaultSessionMaxAgeDays,
		},
		Maintenance: MaintenanceConfig{
			DailyFlush: DefaultDailyFlush,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memoir")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if url := os.Getenv("MEMOIR_TRAINER_URL"); url != "" {
		cfg.Trainer.BaseURL = url
	}
	if agent := os.Getenv("MEMOIR_TRAINER_AGENT"); agent != "" {
		cfg.Trainer.AgentID = agent
	}
	if token := os.Getenv("MEMOIR_TRAINER_TOKEN"); token != "" {
		cfg.Trainer.APIToken = token
	}
	if key := os.Getenv("MEMOIR_ANALYSIS_API_KEY"); key != "" {
		cfg.Analysis.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Analysis.APIKey == "" {
		cfg.Analysis.APIKey = key
	}
	if url := os.Getenv("MEMOIR_ANALYSIS_BASE_URL"); url != "" {
		cfg.Analysis.BaseURL = url
	}
	if model := os.Getenv("MEMOIR_ANALYSIS_MODEL"); model != "" {
		cfg.Analysis.Model = model
	}
	if token := os.Getenv("MEMOIR_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if enabled := os.Getenv("MEMOIR_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}
	if channels := os.Getenv("MEMOIR_MEMORY_CHANNELS"); channels != "" {
		cfg.Memory.Channels = splitList(channels)
	}
	if dataDir := os.Getenv("MEMOIR_MEMORY_DATA_DIR"); dataDir != "" {
		cfg.Memory.DataDir = dataDir
	}
	if dbPath := os.Getenv("MEMOIR_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.QueueDBPath = dbPath
	}
	if interval := os.Getenv("MEMOIR_MEMORY_CHECK_INTERVAL"); interval != "" {
		if parsed, err := strconv.Atoi(interval); err == nil {
			cfg.Memory.CheckInterval = parsed
		}
	}
	if gap := os.Getenv("MEMOIR_MEMORY_TIME_GAP"); gap != "" {
		if parsed, err := strconv.Atoi(gap); err == nil {
			cfg.Memory.TimeGapSeconds = parsed
		}
	}
	if dailyFlush := os.Getenv("MEMOIR_DAILY_FLUSH"); dailyFlush != "" {
		cfg.Maintenance.DailyFlush = dailyFlush
	}

	if cfg.Analysis.Model == "" {
		cfg.Analysis.Model = DefaultAnalysisModel
	}
	if cfg.Memory.BufferSize <= 0 {
		cfg.Memory.BufferSize = DefaultBufferSize
	}
	if cfg.Memory.CheckInterval <= 0 {
		cfg.Memory.CheckInterval = DefaultCheckInterval
	}
	if cfg.Memory.TimeGapSeconds <= 0 {
		cfg.Memory.TimeGapSeconds = DefaultTimeGapSeconds
	}
	if cfg.Memory.MinMessages <= 0 {
		cfg.Memory.MinMessages = DefaultMinMessages
	}
	if cfg.Memory.ForceChunkMaxAge <= 0 {
		cfg.Memory.ForceChunkMaxAge = DefaultForceChunkMaxAge
	}
	if cfg.Memory.DataDir == "" {
		cfg.Memory.DataDir = DefaultConfig().Memory.DataDir
	}
	if cfg.Memory.QueueDBPath == "" {
		cfg.Memory.QueueDBPath = DefaultConfig().Memory.QueueDBPath
	}
	if cfg.Session.DBPath == "" {
		cfg.Session.DBPath = DefaultConfig().Session.DBPath
	}
	if cfg.Session.MaxAgeDays <= 0 {
		cfg.Session.MaxAgeDays = DefaultSessionMaxAgeDays
	}
	if cfg.Maintenance.DailyFlush == "" {
		cfg.Maintenance.DailyFlush = DefaultDailyFlush
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

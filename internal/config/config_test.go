package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Analysis.Model != DefaultAnalysisModel {
		t.Errorf("model = %q, want %q", cfg.Analysis.Model, DefaultAnalysisModel)
	}
	if cfg.Memory.BufferSize != DefaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", cfg.Memory.BufferSize, DefaultBufferSize)
	}
	if cfg.Memory.CheckInterval != DefaultCheckInterval {
		t.Errorf("checkInterval = %d, want %d", cfg.Memory.CheckInterval, DefaultCheckInterval)
	}
	if cfg.Memory.TimeGapSeconds != DefaultTimeGapSeconds {
		t.Errorf("timeGapSeconds = %d, want %d", cfg.Memory.TimeGapSeconds, DefaultTimeGapSeconds)
	}
	if cfg.Memory.Enabled {
		t.Error("memory should be disabled by default")
	}
	if cfg.Session.MaxAgeDays != DefaultSessionMaxAgeDays {
		t.Errorf("sessionMaxAgeDays = %d, want %d", cfg.Session.MaxAgeDays, DefaultSessionMaxAgeDays)
	}
	if cfg.Maintenance.DailyFlush != DefaultDailyFlush {
		t.Errorf("dailyFlush = %q, want %q", cfg.Maintenance.DailyFlush, DefaultDailyFlush)
	}
	if cfg.Memory.DataDir == "" || cfg.Memory.QueueDBPath == "" {
		t.Error("memory paths should not be empty")
	}
	// the status and flush commands fall back to this exact filename
	if got := filepath.Base(cfg.Memory.QueueDBPath); got != "memory_queue.db" {
		t.Errorf("queue db filename = %q, want %q", got, "memory_queue.db")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("MEMOIR_ANALYSIS_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Analysis.Model != DefaultAnalysisModel {
		t.Errorf("expected default model %q, got %q", DefaultAnalysisModel, cfg.Analysis.Model)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("MEMOIR_TRAINER_URL", "")
	t.Setenv("MEMOIR_TRAINER_TOKEN", "")

	cfgDir := filepath.Join(tmpDir, ".memoir")
	os.MkdirAll(cfgDir, 0755)

	testCfg := map[string]any{
		"trainer": map[string]any{
			"baseUrl":  "https://trainer.example.com",
			"apiToken": "tok-123",
		},
		"memory": map[string]any{
			"enabled":  true,
			"channels": []string{"111", "222"},
		},
	}
	data, _ := json.MarshalIndent(testCfg, "", "  ")
	os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Trainer.BaseURL != "https://trainer.example.com" {
		t.Errorf("baseUrl = %q", cfg.Trainer.BaseURL)
	}
	if cfg.Trainer.APIToken != "tok-123" {
		t.Errorf("apiToken = %q", cfg.Trainer.APIToken)
	}
	if !cfg.Memory.Enabled {
		t.Error("memory enabled not loaded")
	}
	if !reflect.DeepEqual(cfg.Memory.Channels, []string{"111", "222"}) {
		t.Errorf("channels = %v", cfg.Memory.Channels)
	}
	// file left these unset, defaults fill in
	if cfg.Memory.BufferSize != DefaultBufferSize {
		t.Errorf("bufferSize = %d, want default", cfg.Memory.BufferSize)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	t.Setenv("MEMOIR_TRAINER_URL", "https://env.example.com")
	t.Setenv("MEMOIR_TRAINER_TOKEN", "env-token")
	t.Setenv("MEMOIR_TRAINER_AGENT", "agent-42")
	t.Setenv("MEMOIR_ANALYSIS_API_KEY", "env-key")
	t.Setenv("MEMOIR_ANALYSIS_MODEL", "gpt-5-mini")
	t.Setenv("MEMOIR_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("MEMOIR_MEMORY_ENABLED", "true")
	t.Setenv("MEMOIR_MEMORY_CHANNELS", "100, 200 ,300")
	t.Setenv("MEMOIR_MEMORY_TIME_GAP", "900")
	t.Setenv("MEMOIR_DAILY_FLUSH", "02:00")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Trainer.BaseURL != "https://env.example.com" {
		t.Errorf("trainer url = %q", cfg.Trainer.BaseURL)
	}
	if cfg.Trainer.APIToken != "env-token" {
		t.Errorf("trainer token = %q", cfg.Trainer.APIToken)
	}
	if cfg.Trainer.AgentID != "agent-42" {
		t.Errorf("trainer agent = %q", cfg.Trainer.AgentID)
	}
	if cfg.Analysis.APIKey != "env-key" {
		t.Errorf("analysis key = %q", cfg.Analysis.APIKey)
	}
	if cfg.Analysis.Model != "gpt-5-mini" {
		t.Errorf("analysis model = %q", cfg.Analysis.Model)
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if !cfg.Memory.Enabled {
		t.Error("memory enabled override not applied")
	}
	if !reflect.DeepEqual(cfg.Memory.Channels, []string{"100", "200", "300"}) {
		t.Errorf("channels = %v", cfg.Memory.Channels)
	}
	if cfg.Memory.TimeGapSeconds != 900 {
		t.Errorf("timeGap = %d", cfg.Memory.TimeGapSeconds)
	}
	if cfg.Maintenance.DailyFlush != "02:00" {
		t.Errorf("dailyFlush = %q", cfg.Maintenance.DailyFlush)
	}
}

func TestLoadConfig_OpenAIKeyFallback(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	t.Setenv("MEMOIR_ANALYSIS_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "openai-key")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Analysis.APIKey != "openai-key" {
		t.Errorf("apiKey = %q, want openai-key", cfg.Analysis.APIKey)
	}

	// the memoir-specific key wins when both are set
	t.Setenv("MEMOIR_ANALYSIS_API_KEY", "memoir-wins")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Analysis.APIKey != "memoir-wins" {
		t.Errorf("apiKey = %q, want memoir-wins", cfg.Analysis.APIKey)
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg := DefaultConfig()
	cfg.Trainer.APIToken = "saved-token"

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, ".memoir", "config.json"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if loaded.Trainer.APIToken != "saved-token" {
		t.Errorf("saved apiToken = %q, want saved-token", loaded.Trainer.APIToken)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfgDir := filepath.Join(tmpDir, ".memoir")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("invalid json"), 0644)

	_, err := LoadConfig()
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a ,, b,c ")
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitList = %v", got)
	}
}

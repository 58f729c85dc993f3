package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/memoir/internal/config"
	"github.com/stellarlinkco/memoir/internal/gateway"
	"github.com/stellarlinkco/memoir/internal/memory"
	"github.com/stellarlinkco/memoir/internal/session"
	"github.com/stellarlinkco/memoir/internal/trainer"
)

// Responder answers chat messages (allows mocking in tests)
type Responder interface {
	CreateSession(ctx context.Context) (string, error)
	GetResponse(ctx context.Context, sessionID, message, preamble string) string
}

// ResponderFactory creates a Responder instance
type ResponderFactory func(cfg *config.Config) (Responder, error)

// DefaultResponderFactory creates the default trainer client
func DefaultResponderFactory(cfg *config.Config) (Responder, error) {
	if cfg.Trainer.APIToken == "" {
		return nil, fmt.Errorf("trainer token not set. Run 'memoir onboard' or set MEMOIR_TRAINER_TOKEN")
	}
	return trainer.NewClient(cfg.Trainer.BaseURL, cfg.Trainer.APIToken, cfg.Trainer.AgentID), nil
}

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	ResponderFactory ResponderFactory
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "memoir",
	Short: "memoir - conversational memory bot",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the trainer agent in single message or REPL mode",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + memory pipeline + maintenance)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memoir status",
	RunE:  runStatus,
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Report pending conversation chunks awaiting upload",
	RunE:  runFlush,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(chatCmd, gatewayCmd, onboardCmd, statusCmd, flushCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs chat with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.ResponderFactory
	if factory == nil {
		factory = DefaultResponderFactory
	}

	responder, err := factory(cfg)
	if err != nil {
		return err
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	sessionID, err := responder.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Single message mode
	if messageFlag != "" {
		fmt.Fprintln(stdout, responder.GetResponse(ctx, sessionID, messageFlag, ""))
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "memoir chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if input == "/new" {
			sessionID, err = responder.CreateSession(ctx)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(stdout, "Started a new session.")
			continue
		}

		fmt.Fprintln(stdout, responder.GetResponse(ctx, sessionID, input, ""))
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Trainer.APIToken == "" {
		return fmt.Errorf("trainer token not set. Run 'memoir onboard' or set MEMOIR_TRAINER_TOKEN")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	if err := os.MkdirAll(filepath.Join(cfgDir, "data", "conversations"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("Data directory ready: %s\n", filepath.Join(cfgDir, "data"))

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your trainer token and agent ID\n", cfgPath)
	fmt.Println("  2. Or set MEMOIR_TRAINER_TOKEN / MEMOIR_TRAINER_AGENT")
	fmt.Println("  3. Run 'memoir chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Trainer: %s (agent %s)\n", cfg.Trainer.BaseURL, valueOrUnset(cfg.Trainer.AgentID))
	fmt.Printf("Trainer token: %s\n", maskSecret(cfg.Trainer.APIToken))
	fmt.Printf("Analysis model: %s\n", cfg.Analysis.Model)
	fmt.Printf("Analysis key: %s\n", maskSecret(cfg.Analysis.APIKey))
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Memory: enabled=%v channels=%d\n", cfg.Memory.Enabled, len(cfg.Memory.Channels))

	sessionPath := cfg.Session.DBPath
	if sessionPath == "" {
		sessionPath = filepath.Join(config.ConfigDir(), "data", "sessions.db")
	}
	if _, err := os.Stat(sessionPath); err == nil {
		store, err := session.NewStore(sessionPath, nil)
		if err == nil {
			if n, err := store.Count(); err == nil {
				fmt.Printf("Sessions: %d\n", n)
			}
			_ = store.Close()
		}
	} else {
		fmt.Println("Sessions: none")
	}

	queuePath := cfg.Memory.QueueDBPath
	if queuePath == "" {
		queuePath = filepath.Join(config.ConfigDir(), "data", "memory_queue.db")
	}
	if stats, err := memory.QueueStats(queuePath); err == nil {
		fmt.Printf("Upload queue: %d pending, %d uploaded, %d failed\n",
			stats["pending"], stats["uploaded"], stats["failed"])
	} else {
		fmt.Println("Upload queue: empty")
	}

	return nil
}

// runFlush reports the queue without draining it. Buffered messages
// live inside the gateway process; they flush on its shutdown and on
// the daily maintenance job, so a second process can only observe.
func runFlush(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	queuePath := cfg.Memory.QueueDBPath
	if queuePath == "" {
		queuePath = filepath.Join(config.ConfigDir(), "data", "memory_queue.db")
	}

	stats, err := memory.QueueStats(queuePath)
	if err != nil {
		fmt.Println("Upload queue: empty")
		return nil
	}

	fmt.Printf("Upload queue: %d pending, %d uploaded, %d failed\n",
		stats["pending"], stats["uploaded"], stats["failed"])
	if stats["pending"] > 0 {
		fmt.Println("Pending chunks drain while the gateway is running.")
	}
	if stats["failed"] > 0 {
		fmt.Println("Failed chunks exhausted their retries and need manual review.")
	}
	return nil
}

func valueOrUnset(s string) string {
	if s == "" {
		return "unset"
	}
	return s
}

func maskSecret(s string) string {
	if s == "" {
		return "not set"
	}
	if len(s) > 8 {
		return s[:4] + "..." + s[len(s)-4:]
	}
	return "set"
}

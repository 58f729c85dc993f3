package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/memoir/internal/bus"
	"github.com/stellarlinkco/memoir/internal/channel"
	"github.com/stellarlinkco/memoir/internal/config"
	"github.com/stellarlinkco/memoir/internal/maintenance"
	"github.com/stellarlinkco/memoir/internal/memory"
	"github.com/stellarlinkco/memoir/internal/session"
	"github.com/stellarlinkco/memoir/internal/trainer"
)

// Responder answers user messages against the trainer backend
// (allows mocking in tests). A Responder that also implements
// memory.TextUploader gets the conversation memory pipeline wired in.
type Responder interface {
	CreateSession(ctx context.Context) (string, error)
	GetResponse(ctx context.Context, sessionID, message, preamble string) string
}

// Options for creating a Gateway
type Options struct {
	Responder  Responder
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	responder  Responder
	sessions   *session.Store
	channels   *channel.ChannelManager
	pipeline   *memory.Pipeline
	uploader   *memory.Uploader
	maint      *maintenance.Service
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(100)

	g.responder = opts.Responder
	if g.responder == nil {
		if cfg.Trainer.APIToken == "" {
			return nil, fmt.Errorf("trainer api token is required")
		}
		g.responder = trainer.NewClient(cfg.Trainer.BaseURL, cfg.Trainer.APIToken, cfg.Trainer.AgentID)
	}

	sessionPath := strings.TrimSpace(cfg.Session.DBPath)
	if sessionPath == "" {
		sessionPath = filepath.Join(config.ConfigDir(), "data", "sessions.db")
	}
	sessions, err := session.NewStore(sessionPath, g.responder)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	g.sessions = sessions

	if cfg.Memory.Enabled {
		if err := g.initPipeline(); err != nil {
			_ = g.sessions.Close()
			return nil, err
		}
	}

	g.signalChan = opts.SignalChan

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = g.closeStores()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	if g.pipeline != nil {
		if tg, ok := chMgr.Get("telegram").(*channel.TelegramChannel); ok {
			g.pipeline.SetLabelResolver(tg.ResolveChatName)
		}
	}

	g.maint = maintenance.NewService()
	if err := g.registerMaintenanceJobs(); err != nil {
		_ = g.closeStores()
		return nil, fmt.Errorf("register maintenance jobs: %w", err)
	}

	return g, nil
}

func (g *Gateway) initPipeline() error {
	backend, ok := g.responder.(memory.TextUploader)
	if !ok {
		log.Printf("[gateway] responder cannot upload text, memory pipeline disabled")
		return nil
	}

	dataDir := strings.TrimSpace(g.cfg.Memory.DataDir)
	if dataDir == "" {
		dataDir = filepath.Join(config.ConfigDir(), "data", "conversations")
	}
	packager, err := memory.NewPackager(dataDir)
	if err != nil {
		return fmt.Errorf("create chunk packager: %w", err)
	}

	queuePath := strings.TrimSpace(g.cfg.Memory.QueueDBPath)
	if queuePath == "" {
		queuePath = filepath.Join(config.ConfigDir(), "data", "memory_queue.db")
	}
	uploader, err := memory.NewUploader(queuePath, backend, packager)
	if err != nil {
		return fmt.Errorf("create upload queue: %w", err)
	}
	g.uploader = uploader

	chat := memory.NewChatClient(g.cfg.Analysis.APIKey, g.cfg.Analysis.BaseURL, g.cfg.Analysis.Model)

	g.pipeline = memory.NewPipeline(chat, chat, packager, uploader, memory.PipelineOptions{
		EnabledChannels:  g.cfg.Memory.Channels,
		BufferSize:       g.cfg.Memory.BufferSize,
		CheckInterval:    time.Duration(g.cfg.Memory.CheckInterval) * time.Second,
		TimeGapSeconds:   g.cfg.Memory.TimeGapSeconds,
		MinMessages:      g.cfg.Memory.MinMessages,
		ForceChunkMaxAge: g.cfg.Memory.ForceChunkMaxAge,
	})
	return nil
}

func (g *Gateway) registerMaintenanceJobs() error {
	flushAt := g.cfg.Maintenance.DailyFlush
	if flushAt == "" {
		flushAt = config.DefaultDailyFlush
	}

	if g.pipeline != nil {
		if err := g.maint.AddDaily("buffer-flush", flushAt, func() (string, error) {
			n := g.pipeline.FlushAll(context.Background())
			return fmt.Sprintf("flushed %d channel(s)", n), nil
		}); err != nil {
			return err
		}
		if err := g.maint.AddInterval("queue-report", 6*time.Hour, func() (string, error) {
			stats, err := g.pipeline.UploadStats()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("upload queue: %d pending, %d uploaded, %d failed",
				stats["pending"], stats["uploaded"], stats["failed"]), nil
		}); err != nil {
			return err
		}
	}

	maxAge := g.cfg.Session.MaxAgeDays
	if maxAge <= 0 {
		maxAge = config.DefaultSessionMaxAgeDays
	}
	return g.maint.AddDaily("session-cleanup", flushAt, func() (string, error) {
		dropped, err := g.sessions.CleanupOlderThan(time.Duration(maxAge) * 24 * time.Hour)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dropped %d stale session(s)", dropped), nil
	})
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if g.pipeline != nil {
		g.pipeline.Start(ctx)
	}
	g.maint.Start()

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	g.track(msg.MessageID, msg.ChatID, msg.SenderID, msg.SenderName, msg.Content, msg.Timestamp, msg.FromBot)

	if msg.FromBot {
		return
	}

	if strings.TrimSpace(msg.Content) == "/reset" {
		if _, err := g.sessions.Reset(ctx, msg.SessionKey()); err != nil {
			log.Printf("[gateway] session reset error: %v", err)
			return
		}
		g.reply(msg, "Session reset. Starting fresh.")
		return
	}

	sessionID, err := g.sessions.GetOrCreate(ctx, msg.SessionKey())
	if err != nil {
		log.Printf("[gateway] session error: %v", err)
		g.reply(msg, "I'm having trouble processing your request.")
		return
	}

	preamble := ""
	if msg.SenderName != "" {
		preamble = fmt.Sprintf("[%s message from %s]", msg.Channel, msg.SenderName)
	}

	result := g.responder.GetResponse(ctx, sessionID, msg.Content, preamble)
	if result == "" {
		return
	}

	g.track(uuid.NewString(), msg.ChatID, "bot", "Bot", result, time.Now(), true)
	g.reply(msg, result)
}

func (g *Gateway) track(id, chatID, senderID, senderName, content string, ts time.Time, fromBot bool) {
	if g.pipeline == nil {
		return
	}
	g.pipeline.Track(memory.Message{
		ID:        id,
		ChannelID: chatID,
		SenderID:  senderID,
		Username:  senderName,
		Content:   content,
		Timestamp: ts,
		FromBot:   fromBot,
	})
}

func (g *Gateway) reply(msg bus.InboundMessage, content string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	}
}

// Pipeline exposes the memory pipeline, or nil when disabled.
func (g *Gateway) Pipeline() *memory.Pipeline {
	return g.pipeline
}

// MaintenanceJobs reports the registered housekeeping jobs.
func (g *Gateway) MaintenanceJobs() []maintenance.JobState {
	return g.maint.Jobs()
}

func (g *Gateway) Shutdown() error {
	if g.pipeline != nil {
		flushed := g.pipeline.FlushAll(context.Background())
		if flushed > 0 {
			log.Printf("[gateway] flushed %d channel buffer(s)", flushed)
		}
		g.pipeline.Stop()
	}
	g.maint.Stop()
	_ = g.channels.StopAll()
	if err := g.closeStores(); err != nil {
		log.Printf("[gateway] close stores warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) closeStores() error {
	var firstErr error
	if g.uploader != nil {
		if err := g.uploader.Close(); err != nil {
			firstErr = err
		}
	}
	if err := g.sessions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

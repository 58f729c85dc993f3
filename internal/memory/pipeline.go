package memory

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

const defaultCheckInterval = 45 * time.Second

// LabelResolver maps a channel identifier to a human-readable name.
// The pipeline calls it exactly when finalizing a segment; resolution
// failures fall back to a synthetic label.
type LabelResolver func(ctx context.Context, channelID string) (string, error)

// Pipeline wires the conversation memory stages together: buffered
// intake, periodic shift detection, reflection, packaging, and durable
// upload queueing. One Pipeline serves all enabled channels.
type Pipeline struct {
	buffer     *Buffer
	detector   *Detector
	summarizer *Summarizer
	packager   *Packager
	uploader   *Uploader

	enabledChannels  map[string]struct{}
	labelResolver    LabelResolver
	checkInterval    time.Duration
	forceChunkMaxAge int

	mu      sync.Mutex
	stopCh  chan struct{}
	stopWg  sync.WaitGroup
	running bool
}

type PipelineOptions struct {
	EnabledChannels  []string
	BufferSize       int
	CheckInterval    time.Duration
	TimeGapSeconds   int
	MinMessages      int
	ForceChunkMaxAge int
}

func NewPipeline(classifier Classifier, analyzer Analyzer, packager *Packager, uploader *Uploader, opts PipelineOptions) *Pipeline {
	enabled := make(map[string]struct{}, len(opts.EnabledChannels))
	for _, id := range opts.EnabledChannels {
		enabled[id] = struct{}{}
	}

	interval := opts.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	maxAge := opts.ForceChunkMaxAge
	if maxAge <= 0 {
		maxAge = DefaultForceChunkMaxAge
	}

	return &Pipeline{
		buffer:           NewBuffer(opts.BufferSize),
		detector:         NewDetector(classifier, opts.TimeGapSeconds, opts.MinMessages),
		summarizer:       NewSummarizer(analyzer),
		packager:         packager,
		uploader:         uploader,
		enabledChannels:  enabled,
		checkInterval:    interval,
		forceChunkMaxAge: maxAge,
		stopCh:           make(chan struct{}),
	}
}

// ForceChunkMaxAge reports the configured age trigger in seconds.
func (p *Pipeline) ForceChunkMaxAge() int {
	return p.forceChunkMaxAge
}

// SetLabelResolver installs the channel name resolver. The pipeline
// never reaches into the host platform itself.
func (p *Pipeline) SetLabelResolver(resolver LabelResolver) {
	p.labelResolver = resolver
}

// Track records a message if its channel is enabled and the content is
// non-blank. Timestamps are normalized to UTC on entry.
func (p *Pipeline) Track(msg Message) {
	if _, ok := p.enabledChannels[msg.ChannelID]; !ok {
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	msg.Timestamp = msg.Timestamp.UTC()
	p.buffer.Add(msg)
}

// Start launches the detection loop and the uploader's drain loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		log.Printf("[memory] pipeline already running")
		return
	}
	p.running = true
	p.mu.Unlock()

	p.stopWg.Add(1)
	go func() {
		defer p.stopWg.Done()
		p.detectionLoop(ctx)
	}()
	p.uploader.Start(ctx)
	log.Printf("[memory] pipeline started for %d enabled channel(s)", len(p.enabledChannels))
}

// Stop halts both background loops and waits for them to drain.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.stopWg.Wait()
	p.uploader.Stop()
	log.Printf("[memory] pipeline stopped")
}

func (p *Pipeline) detectionLoop(ctx context.Context) {
	for {
		wait := p.checkInterval
		if err := p.processAllChannels(ctx); err != nil {
			log.Printf("[memory] detection pass failed: %v", err)
			wait = p.checkInterval * 2
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (p *Pipeline) processAllChannels(ctx context.Context) error {
	for _, channelID := range p.buffer.ActiveChannels() {
		select {
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		p.processChannel(ctx, channelID)
	}
	return nil
}

// processChannel runs one detection pass over a channel's buffer and
// finalizes the segment when warranted. Detection order is fixed:
// minimum count, then forced chunking, then the shift verdict.
func (p *Pipeline) processChannel(ctx context.Context, channelID string) {
	messages := p.buffer.Get(channelID, 0)
	if len(messages) < p.detector.MinMessages() {
		return
	}

	if p.detector.ShouldForceChunk(messages, p.forceChunkMaxAge) {
		log.Printf("[memory] force chunking channel %s", channelID)
		p.finalize(ctx, channelID)
		return
	}

	verdict := p.detector.Evaluate(ctx, messages)
	if verdict.Shift {
		log.Printf("[memory] topic shift in channel %s: %s (confidence %.2f)",
			channelID, verdict.Topic, verdict.Confidence)
		p.finalize(ctx, channelID)
	}
}

// finalize drains the channel's buffer into a chunk: reflect, package,
// persist, enqueue. Persist and enqueue failures are logged without
// aborting the remaining steps.
func (p *Pipeline) finalize(ctx context.Context, channelID string) {
	messages := p.buffer.ExtractAndClear(channelID, 0)
	if len(messages) == 0 {
		return
	}

	channelName := p.resolveLabel(ctx, channelID)
	reflection := p.summarizer.Generate(ctx, messages, channelName)

	chunk, err := p.packager.Package(messages, channelID, channelName, &reflection)
	if err != nil {
		log.Printf("[memory] package chunk for channel %s: %v", channelID, err)
		return
	}

	if path, err := p.packager.Persist(chunk); err != nil {
		log.Printf("[memory] persist chunk %s: %v", chunk.ID, err)
	} else {
		log.Printf("[memory] saved chunk %s to %s", chunk.ID, path)
	}

	if _, err := p.uploader.Enqueue(chunk); err != nil {
		log.Printf("[memory] enqueue chunk %s: %v", chunk.ID, err)
	}
}

func (p *Pipeline) resolveLabel(ctx context.Context, channelID string) string {
	if p.labelResolver != nil {
		name, err := p.labelResolver(ctx, channelID)
		if err == nil && strings.TrimSpace(name) != "" {
			return name
		}
		if err != nil {
			log.Printf("[memory] resolve channel name for %s: %v", channelID, err)
		}
	}
	return "channel-" + channelID
}

// FlushAll finalizes every channel that currently holds messages and
// returns the number of chunks created. Used at shutdown and from the
// manual flush command.
func (p *Pipeline) FlushAll(ctx context.Context) int {
	flushed := 0
	for _, channelID := range p.buffer.ActiveChannels() {
		if p.buffer.Size(channelID) == 0 {
			continue
		}
		p.finalize(ctx, channelID)
		flushed++
	}
	return flushed
}

// Stats returns a snapshot of the pipeline's buffered state.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	return PipelineStats{
		EnabledChannels:  len(p.enabledChannels),
		ActiveChannels:   len(p.buffer.ActiveChannels()),
		BufferedMessages: p.buffer.TotalSize(),
		Running:          running,
	}
}

// UploadStats proxies the uploader's queue counts.
func (p *Pipeline) UploadStats() (map[string]int, error) {
	return p.uploader.Stats()
}

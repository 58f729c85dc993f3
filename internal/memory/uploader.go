package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	maxUploadRetries   = 5
	uploadBatchSize    = 10
	drainPollInterval  = 30 * time.Second
	drainErrorInterval = 60 * time.Second
	backoffBase        = 60 * time.Second
	backoffCap         = time.Hour
)

// TextUploader is the retrieval-upload capability every backend adapter
// must implement. A deployment whose backend cannot accept raw text
// returns false rather than being probed for optional methods.
type TextUploader interface {
	UploadText(ctx context.Context, content, name string) (bool, error)
}

// Uploader drives packaged chunks through a durable pending ->
// uploaded|failed state machine. The queue survives restarts,
// deduplicates by chunk identifier, and retries transient failures with
// per-row exponential backoff up to a fixed ceiling.
type Uploader struct {
	db       *sql.DB
	backend  TextUploader
	packager *Packager

	pollInterval  time.Duration
	errorInterval time.Duration
	backoffBase   time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopWg  sync.WaitGroup
	started bool
}

func NewUploader(dbPath string, backend TextUploader, packager *Packager) (*Uploader, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create queue db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	u := &Uploader{
		db:            db,
		backend:       backend,
		packager:      packager,
		pollInterval:  drainPollInterval,
		errorInterval: drainErrorInterval,
		backoffBase:   backoffBase,
		stopCh:        make(chan struct{}),
	}
	if err := u.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return u, nil
}

// initialize applies pragmas and creates the schema. Idempotent.
func (u *Uploader) initialize() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS conversation_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chunk_hash TEXT UNIQUE NOT NULL,
			channel_id TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			topic_summary TEXT,
			document_content TEXT NOT NULL,
			upload_status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			uploaded_at TEXT,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_status ON conversation_chunks(upload_status)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_channel_time ON conversation_chunks(channel_id, end_time)`,
	}
	for _, stmt := range stmts {
		if _, err := u.db.Exec(stmt); err != nil {
			return fmt.Errorf("init upload queue schema: %w", err)
		}
	}
	return nil
}

func (u *Uploader) Close() error {
	if u.db == nil {
		return nil
	}
	return u.db.Close()
}

// Enqueue renders the chunk's document form and inserts it if absent.
// Returns false when the chunk identifier is already queued in any
// status; a duplicate is a silent no-op, not an error.
func (u *Uploader) Enqueue(chunk *Chunk) (bool, error) {
	document := u.packager.RenderDocument(chunk)

	var topic any
	if chunk.Reflection != nil && chunk.Reflection.Topic != "" {
		topic = chunk.Reflection.Topic
	}

	res, err := u.db.Exec(`
		INSERT OR IGNORE INTO conversation_chunks
			(chunk_hash, channel_id, start_time, end_time, message_count,
			 topic_summary, document_content, upload_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
	`, chunk.ID, chunk.ChannelID,
		chunk.Start.Format(time.RFC3339Nano), chunk.End.Format(time.RFC3339Nano),
		chunk.MessageCount, topic, document, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("enqueue chunk: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue chunk rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}
	log.Printf("[uploader] queued chunk %s for upload", chunk.ID)
	return true, nil
}

// IsQueued reports whether a chunk identifier exists in any status.
func (u *Uploader) IsQueued(chunkID string) (bool, error) {
	row := u.db.QueryRow(`SELECT 1 FROM conversation_chunks WHERE chunk_hash = ?`, chunkID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check queued chunk: %w", err)
	}
	return true, nil
}

// Start launches the background drain loop. Safe to call once.
func (u *Uploader) Start(ctx context.Context) {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return
	}
	u.started = true
	u.mu.Unlock()

	u.stopWg.Add(1)
	go func() {
		defer u.stopWg.Done()
		u.drainLoop(ctx)
	}()
	log.Printf("[uploader] background drain loop started")
}

// Stop signals the drain loop and waits for an in-flight drain to
// finish so no row is abandoned mid-write.
func (u *Uploader) Stop() {
	u.mu.Lock()
	select {
	case <-u.stopCh:
	default:
		close(u.stopCh)
	}
	u.mu.Unlock()
	u.stopWg.Wait()
	log.Printf("[uploader] drain loop stopped")
}

func (u *Uploader) drainLoop(ctx context.Context) {
	for {
		wait := u.pollInterval
		if err := u.drain(ctx); err != nil {
			log.Printf("[uploader] drain error: %v", err)
			wait = u.errorInterval
		}
		if !u.sleep(ctx, wait) {
			return
		}
	}
}

// sleep waits for d, returning false when the loop should exit.
func (u *Uploader) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-u.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

type queueRow struct {
	rowID      int64
	chunkHash  string
	document   string
	retryCount int
}

// drain performs one pass over the currently pending rows: fetch up to
// a batch of rows still under the retry ceiling, oldest first, and
// attempt each sequentially.
func (u *Uploader) drain(ctx context.Context) error {
	rows, err := u.pendingRows()
	if err != nil {
		return err
	}

	for _, row := range rows {
		select {
		case <-u.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		u.processRow(ctx, row)
	}
	return nil
}

func (u *Uploader) pendingRows() ([]queueRow, error) {
	rows, err := u.db.Query(`
		SELECT id, chunk_hash, document_content, retry_count
		FROM conversation_chunks
		WHERE upload_status = 'pending' AND retry_count < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, maxUploadRetries, uploadBatchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending chunks: %w", err)
	}
	defer rows.Close()

	pending := make([]queueRow, 0)
	for rows.Next() {
		var r queueRow
		if err := rows.Scan(&r.rowID, &r.chunkHash, &r.document, &r.retryCount); err != nil {
			return nil, fmt.Errorf("scan pending chunk: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending chunks: %w", err)
	}
	return pending, nil
}

// processRow attempts one upload, sleeping the row's backoff first when
// it has already failed. Backoff applies per row so one stubborn row
// does not starve the rest of the batch beyond its own slot.
func (u *Uploader) processRow(ctx context.Context, row queueRow) {
	if row.retryCount > 0 {
		delay := u.backoffDelay(row.retryCount)
		log.Printf("[uploader] retry %d for chunk %s, waiting %s", row.retryCount, row.chunkHash, delay)
		if !u.sleep(ctx, delay) {
			return
		}
	}

	ok, err := u.backend.UploadText(ctx, row.document, "conversation_"+row.chunkHash+".md")
	if err != nil {
		log.Printf("[uploader] upload failed for chunk %s: %v", row.chunkHash, err)
		u.markRetry(row.rowID, err.Error())
		return
	}
	if !ok {
		u.markRetry(row.rowID, "upload returned failure")
		return
	}

	if err := u.markUploaded(row.rowID); err != nil {
		log.Printf("[uploader] mark uploaded chunk %s: %v", row.chunkHash, err)
		return
	}
	log.Printf("[uploader] uploaded chunk %s", row.chunkHash)
}

// backoffDelay is min(base * 2^retry, cap).
func (u *Uploader) backoffDelay(retryCount int) time.Duration {
	delay := u.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}

func (u *Uploader) markUploaded(rowID int64) error {
	_, err := u.db.Exec(`
		UPDATE conversation_chunks
		SET upload_status = 'uploaded', uploaded_at = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), rowID)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// markRetry records the failure and escalates to the terminal failed
// state once the retry counter reaches the ceiling.
func (u *Uploader) markRetry(rowID int64, errMsg string) {
	if _, err := u.db.Exec(`
		UPDATE conversation_chunks
		SET retry_count = retry_count + 1, error_message = ?
		WHERE id = ?
	`, errMsg, rowID); err != nil {
		log.Printf("[uploader] record retry for row %d: %v", rowID, err)
		return
	}

	row := u.db.QueryRow(`SELECT retry_count FROM conversation_chunks WHERE id = ?`, rowID)
	var count int
	if err := row.Scan(&count); err != nil {
		log.Printf("[uploader] read retry count for row %d: %v", rowID, err)
		return
	}
	if count >= maxUploadRetries {
		if _, err := u.db.Exec(`
			UPDATE conversation_chunks SET upload_status = 'failed' WHERE id = ?
		`, rowID); err != nil {
			log.Printf("[uploader] mark failed for row %d: %v", rowID, err)
		}
	}
}

// Stats returns the row count per upload status.
func (u *Uploader) Stats() (map[string]int, error) {
	rows, err := u.db.Query(`
		SELECT upload_status, COUNT(*) FROM conversation_chunks GROUP BY upload_status
	`)
	if err != nil {
		return nil, fmt.Errorf("query upload stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{"pending": 0, "uploaded": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan upload stats: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload stats: %w", err)
	}
	return stats, nil
}

// QueueStats reads queue counts from an existing queue database without
// constructing an uploader. Used for offline status reporting.
func QueueStats(dbPath string) (map[string]int, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("queue db not found: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	defer db.Close()

	u := &Uploader{db: db}
	return u.Stats()
}

// Package history persists the append-only mutation log beside the vector
// store. Writes batch through a single flusher goroutine; reads share the
// connection under WAL.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"memscreen/internal/core"
	"memscreen/internal/memerr"
)

// Entry is one history row.
type Entry struct {
	ID        string     `json:"id"`
	MemoryID  string     `json:"memory_id"`
	OldMemory string     `json:"old_memory,omitempty"`
	NewMemory string     `json:"new_memory,omitempty"`
	Event     core.Event `json:"event"`
	CreatedAt string     `json:"created_at,omitempty"`
	UpdatedAt string     `json:"updated_at,omitempty"`
	IsDeleted int        `json:"is_deleted"`
	ActorID   string     `json:"actor_id,omitempty"`
	Role      string     `json:"role,omitempty"`
}

// Record is a pending write. Immediate bypasses the batch queue; DELETE
// events are always written immediately no matter what the caller asks.
type Record struct {
	MemoryID  string
	OldMemory string
	NewMemory string
	Event     core.Event
	ActorID   string
	Role      string
	Immediate bool
}

// Options tune the batch writer.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	Location      *time.Location
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 512
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// columns is the current schema, in table order. Migration copies the
// intersection of this set and whatever a legacy table carries.
var columns = []string{
	"id", "memory_id", "old_memory", "new_memory", "event",
	"created_at", "updated_at", "is_deleted", "actor_id", "role",
}

// Log is the history store.
type Log struct {
	db     *sql.DB
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	writeMu sync.Mutex // serializes every write transaction

	queue    chan Entry
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	lastErr error
	closed  bool
}

// Open opens (creating or migrating as needed) the history database and
// starts the flusher.
func Open(path string, opts Options, logger *zap.Logger) (*Log, error) {
	const op = "history.Open"

	if path == "" {
		return nil, memerr.Errorf(op, memerr.KindConfig, "history db path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, memerr.E(op, memerr.KindConfig, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, memerr.E(op, memerr.KindConfig, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, memerr.E(op, memerr.KindConfig, fmt.Errorf("%s: %w", pragma, err))
		}
	}

	l := &Log{
		db:       db,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		queue:    make(chan Entry, opts.QueueSize),
		flushReq: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	go l.flusher()
	return l, nil
}

// migrate ensures the history table matches the current schema. A legacy
// table is renamed, re-created, column-intersection copied, and dropped,
// all in one transaction.
func (l *Log) migrate() error {
	const op = "history.migrate"

	existing, err := l.tableColumns("history")
	if err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	if existing == nil {
		if _, err := l.db.Exec(createTableSQL("history")); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
		return nil
	}
	if sameColumns(existing, columns) {
		return nil
	}

	shared := intersect(existing, columns)
	l.logger.Info("migrating history schema",
		zap.Strings("legacy_columns", existing),
		zap.Strings("copied_columns", shared))

	tx, err := l.db.Begin()
	if err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	defer tx.Rollback()

	steps := []string{
		"ALTER TABLE history RENAME TO history_legacy",
		createTableSQL("history"),
	}
	if len(shared) > 0 {
		cols := strings.Join(shared, ", ")
		steps = append(steps, fmt.Sprintf("INSERT INTO history (%s) SELECT %s FROM history_legacy", cols, cols))
	}
	steps = append(steps, "DROP TABLE history_legacy")

	for _, stmt := range steps {
		if _, err := tx.Exec(stmt); err != nil {
			return memerr.E(op, memerr.KindUpstream, fmt.Errorf("%s: %w", stmt, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func createTableSQL(name string) string {
	return fmt.Sprintf(`CREATE TABLE %s (
		id TEXT PRIMARY KEY,
		memory_id TEXT,
		old_memory TEXT,
		new_memory TEXT,
		event TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		is_deleted INTEGER,
		actor_id TEXT,
		role TEXT
	)`, name)
}

// tableColumns returns the column names of a table, or nil when the table
// does not exist.
func (l *Log) tableColumns(table string) ([]string, error) {
	rows, err := l.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

// Add records one mutation. DELETE events and Immediate records commit
// before Add returns; everything else enqueues for the batch flusher and
// blocks only when the queue is full.
func (l *Log) Add(ctx context.Context, rec Record) error {
	const op = "history.Add"

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return memerr.Errorf(op, memerr.KindConfig, "history log is closed")
	}

	entry := l.newEntry(rec)
	if rec.Immediate || rec.Event == core.EventDelete {
		return l.writeBatch(ctx, []Entry{entry})
	}

	select {
	case l.queue <- entry:
		return nil
	case <-l.done:
		return memerr.Errorf(op, memerr.KindConfig, "history log is closed")
	case <-ctx.Done():
		return memerr.E(op, memerr.KindTransient, ctx.Err())
	}
}

func (l *Log) newEntry(rec Record) Entry {
	now := core.FormatTime(l.now(), l.opts.Location)
	entry := Entry{
		ID:        uuid.NewString(),
		MemoryID:  rec.MemoryID,
		OldMemory: rec.OldMemory,
		NewMemory: rec.NewMemory,
		Event:     rec.Event,
		CreatedAt: now,
		ActorID:   rec.ActorID,
		Role:      rec.Role,
	}
	if rec.Event == core.EventUpdate {
		entry.UpdatedAt = now
	}
	if rec.Event == core.EventDelete {
		entry.IsDeleted = 1
	}
	return entry
}

// flusher drains the queue into transactions, flushing when the batch
// reaches the configured size or the oldest entry ages past the interval.
func (l *Log) flusher() {
	defer close(l.done)

	ticker := time.NewTicker(l.opts.FlushInterval / 2)
	defer ticker.Stop()

	var (
		batch      []Entry
		oldestSeen time.Time
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := l.writeBatch(context.Background(), batch)
		if err != nil {
			l.logger.Error("history flush failed after retry",
				zap.Int("batch_size", len(batch)), zap.Error(err))
			l.mu.Lock()
			l.lastErr = err
			l.mu.Unlock()
		}
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case entry := <-l.queue:
				batch = append(batch, entry)
			default:
				return
			}
		}
	}

	for {
		select {
		case entry := <-l.queue:
			if len(batch) == 0 {
				oldestSeen = l.now()
			}
			batch = append(batch, entry)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 && l.now().Sub(oldestSeen) >= l.opts.FlushInterval {
				flush()
			}
		case reply := <-l.flushReq:
			drain()
			reply <- flush()
		case <-l.stop:
			drain()
			flush()
			return
		}
	}
}

// writeBatch commits entries in one transaction, retrying once.
func (l *Log) writeBatch(ctx context.Context, entries []Entry) error {
	const op = "history.writeBatch"

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := l.writeBatchTx(ctx, entries); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return memerr.E(op, memerr.KindUpstream, lastErr)
}

func (l *Log) writeBatchTx(ctx context.Context, entries []Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO history
		(id, memory_id, old_memory, new_memory, event, created_at, updated_at, is_deleted, actor_id, role)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.MemoryID, e.OldMemory, e.NewMemory, e.Event,
			e.CreatedAt, e.UpdatedAt, e.IsDeleted, e.ActorID, e.Role); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns the rows for a memory ordered by (created_at, updated_at).
func (l *Log) Get(ctx context.Context, memoryID string) ([]Entry, error) {
	const op = "history.Get"

	rows, err := l.db.QueryContext(ctx, `SELECT
		id, memory_id, old_memory, new_memory, event,
		created_at, updated_at, is_deleted, actor_id, role
		FROM history WHERE memory_id = ?
		ORDER BY created_at ASC, updated_at ASC`, memoryID)
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var oldMem, newMem, created, updated, actor, role sql.NullString
		if err := rows.Scan(&e.ID, &e.MemoryID, &oldMem, &newMem, &e.Event,
			&created, &updated, &e.IsDeleted, &actor, &role); err != nil {
			return nil, memerr.E(op, memerr.KindUpstream, err)
		}
		e.OldMemory = oldMem.String
		e.NewMemory = newMem.String
		e.CreatedAt = created.String
		e.UpdatedAt = updated.String
		e.ActorID = actor.String
		e.Role = role.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	return entries, nil
}

// Flush forces every queued entry to disk. The flusher goroutine does the
// actual write so there is a single drain path for the queue.
func (l *Log) Flush(ctx context.Context) error {
	const op = "history.Flush"

	reply := make(chan error, 1)
	select {
	case l.flushReq <- reply:
	case <-l.done:
		// Flusher already drained on shutdown.
		return nil
	case <-ctx.Done():
		return memerr.E(op, memerr.KindTransient, ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return memerr.E(op, memerr.KindTransient, ctx.Err())
	}
}

// Reset deletes every row.
func (l *Log) Reset(ctx context.Context) error {
	const op = "history.Reset"

	if err := l.Flush(ctx); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.db.ExecContext(ctx, "DELETE FROM history"); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

// Err reports the last asynchronous flush failure, if any.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Close drains the queue, stops the flusher, and closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	return l.db.Close()
}

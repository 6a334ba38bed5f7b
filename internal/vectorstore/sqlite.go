package vectorstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	Register("sqlite", func(opts config.VectorStoreOptions, collection string, dims int) (Store, error) {
		return NewSQLiteStore(opts.Path, collection, dims)
	})
}

// SQLiteStore is the default embedded provider: one table of little-endian
// float32 vector blobs plus JSON payloads, scanned linearly with in-process
// cosine scoring. Personal-scale memory counts keep the scan cheap and the
// deployment dependency-free.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	dims       int

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the store file and ensures the
// schema.
func NewSQLiteStore(path, collection string, dims int) (*SQLiteStore, error) {
	const op = "vectorstore.NewSQLiteStore"

	if path == "" {
		return nil, memerr.Errorf(op, memerr.KindConfig, "path is required for the sqlite provider")
	}
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

	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		id         TEXT NOT NULL,
		collection TEXT NOT NULL,
		vector     BLOB NOT NULL,
		payload    TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id, collection)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_collection ON embeddings(collection);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, memerr.E(op, memerr.KindConfig, err)
	}

	return &SQLiteStore{db: db, collection: collection, dims: dims}, nil
}

func (s *SQLiteStore) checkOpen(op string) error {
	if s.closed {
		return memerr.Errorf(op, memerr.KindConfig, "store is closed")
	}
	return nil
}

func (s *SQLiteStore) checkVector(op string, vec []float32) error {
	if len(vec) != s.dims {
		return memerr.Errorf(op, memerr.KindDimension,
			"vector has %d dimensions, store expects %d", len(vec), s.dims)
	}
	return nil
}

// Insert writes records in one transaction; an existing id is replaced.
func (s *SQLiteStore) Insert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	const op = "vectorstore.SQLite.Insert"

	if len(ids) != len(vectors) || len(ids) != len(payloads) {
		return memerr.Errorf(op, memerr.KindUnknown,
			"mismatched lengths: %d ids, %d vectors, %d payloads", len(ids), len(vectors), len(payloads))
	}
	for _, vec := range vectors {
		if err := s.checkVector(op, vec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO embeddings (id, collection, vector, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	defer stmt.Close()

	for i, id := range ids {
		payloadJSON, err := json.Marshal(payloads[i])
		if err != nil {
			return memerr.E(op, memerr.KindUnknown, err)
		}
		if _, err := stmt.ExecContext(ctx, id, s.collection, encodeVector(vectors[i]), string(payloadJSON)); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

// Update replaces the stored vector and/or payload of id.
func (s *SQLiteStore) Update(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	const op = "vectorstore.SQLite.Update"

	if vector != nil {
		if err := s.checkVector(op, vector); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}

	existing, err := s.getLocked(ctx, op, id)
	if err != nil {
		return err
	}
	if vector == nil {
		vector = existing.Vector
	}
	if payload == nil {
		payload = existing.Payload
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return memerr.E(op, memerr.KindUnknown, err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE embeddings SET vector = ?, payload = ? WHERE id = ? AND collection = ?",
		encodeVector(vector), string(payloadJSON), id, s.collection)
	if err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

// Delete removes id; deleting a missing id is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	const op = "vectorstore.SQLite.Delete"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM embeddings WHERE id = ? AND collection = ?", id, s.collection); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

// Get fetches one record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	const op = "vectorstore.SQLite.Get"

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return Record{}, err
	}
	return s.getLocked(ctx, op, id)
}

func (s *SQLiteStore) getLocked(ctx context.Context, op, id string) (Record, error) {
	var (
		blob        []byte
		payloadJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT vector, payload FROM embeddings WHERE id = ? AND collection = ?",
		id, s.collection).Scan(&blob, &payloadJSON)
	if err == sql.ErrNoRows {
		return Record{}, memerr.Errorf(op, memerr.KindNotFound, "memory %s not found", id)
	}
	if err != nil {
		return Record{}, memerr.E(op, memerr.KindUpstream, err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return Record{}, memerr.E(op, memerr.KindUnknown, err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return Record{}, memerr.E(op, memerr.KindUnknown, err)
	}
	return Record{ID: id, Vector: vec, Payload: payload}, nil
}

// List returns up to limit records matching filters, ordered by id. A
// non-positive limit means no bound.
func (s *SQLiteStore) List(ctx context.Context, filters map[string]any, limit int) ([]Record, error) {
	const op = "vectorstore.SQLite.List"

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, vector, payload FROM embeddings WHERE collection = ? ORDER BY id", s.collection)
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, memerr.E(op, memerr.KindUnknown, err)
		}
		if !matchFilters(rec.Payload, filters) {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	return records, nil
}

// Search scores the filtered collection against vector and returns the top
// limit hits.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]SearchResult, error) {
	const op = "vectorstore.SQLite.Search"

	if err := s.checkVector(op, vector); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, vector, payload FROM embeddings WHERE collection = ?", s.collection)
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, memerr.E(op, memerr.KindUnknown, err)
		}
		if !matchFilters(rec.Payload, filters) {
			continue
		}
		results = append(results, SearchResult{
			ID:      rec.ID,
			Score:   normalizeCosine(cosine(vector, rec.Vector)),
			Payload: rec.Payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}

	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Reset drops every record in the collection.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	const op = "vectorstore.SQLite.Reset"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM embeddings WHERE collection = ?", s.collection); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

// Close releases the database handle. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		id          string
		blob        []byte
		payloadJSON string
	)
	if err := rows.Scan(&id, &blob, &payloadJSON); err != nil {
		return Record{}, err
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return Record{}, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return Record{}, err
	}
	return Record{ID: id, Vector: vec, Payload: payload}, nil
}

// encodeVector packs a vector as a length-prefixed little-endian float32
// blob.
func encodeVector(vec []float32) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(4 + 4*len(vec))
	_ = binary.Write(buf, binary.LittleEndian, int32(len(vec)))
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func decodeVector(blob []byte) ([]float32, error) {
	buf := bytes.NewReader(blob)
	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("decode vector length: %w", err)
	}
	if length < 0 || int(length)*4 != buf.Len() {
		return nil, fmt.Errorf("corrupt vector blob: declared %d floats, %d bytes remain", length, buf.Len())
	}
	vec := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, &vec); err != nil {
		return nil, fmt.Errorf("decode vector body: %w", err)
	}
	return vec, nil
}

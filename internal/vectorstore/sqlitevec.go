//go:build sqlite_vec && cgo

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

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	// vec.Auto registers sqlite-vec as an auto-loadable extension on the
	// mattn driver.
	vec.Auto()
	Register("sqlitevec", func(opts config.VectorStoreOptions, collection string, dims int) (Store, error) {
		return NewSqliteVecStore(opts.Path, collection, dims)
	})
}

// SqliteVecStore pairs a plain rows table with a vec0 virtual table for
// accelerated distance scans. Build with -tags sqlite_vec.
type SqliteVecStore struct {
	db         *sql.DB
	collection string
	dims       int

	mu     sync.RWMutex
	closed bool
}

// NewSqliteVecStore opens the store and ensures both tables.
func NewSqliteVecStore(path, collection string, dims int) (*SqliteVecStore, error) {
	const op = "vectorstore.NewSqliteVecStore"

	if path == "" {
		return nil, memerr.Errorf(op, memerr.KindConfig, "path is required for the sqlitevec provider")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, memerr.E(op, memerr.KindConfig, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, memerr.E(op, memerr.KindConfig, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, memerr.E(op, memerr.KindConfig, fmt.Errorf("%s: %w", pragma, err))
		}
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS vec_rows (
		id         TEXT NOT NULL,
		collection TEXT NOT NULL,
		payload    TEXT NOT NULL,
		PRIMARY KEY (id, collection)
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS vec_points USING vec0(
		embedding float[%d],
		record_id TEXT,
		record_collection TEXT
	);`, dims)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, memerr.E(op, memerr.KindConfig,
			fmt.Errorf("sqlite-vec unavailable or schema failed: %w", err))
	}

	return &SqliteVecStore{db: db, collection: collection, dims: dims}, nil
}

func (s *SqliteVecStore) checkOpen(op string) error {
	if s.closed {
		return memerr.Errorf(op, memerr.KindConfig, "store is closed")
	}
	return nil
}

func (s *SqliteVecStore) checkVector(op string, v []float32) error {
	if len(v) != s.dims {
		return memerr.Errorf(op, memerr.KindDimension,
			"vector has %d dimensions, store expects %d", len(v), s.dims)
	}
	return nil
}

func (s *SqliteVecStore) Insert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	const op = "vectorstore.SqliteVec.Insert"

	if len(ids) != len(vectors) || len(ids) != len(payloads) {
		return memerr.Errorf(op, memerr.KindUnknown,
			"mismatched lengths: %d ids, %d vectors, %d payloads", len(ids), len(vectors), len(payloads))
	}
	for _, v := range vectors {
		if err := s.checkVector(op, v); err != nil {
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

	for i, id := range ids {
		payloadJSON, err := json.Marshal(payloads[i])
		if err != nil {
			return memerr.E(op, memerr.KindUnknown, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO vec_rows (id, collection, payload) VALUES (?, ?, ?)",
			id, s.collection, string(payloadJSON)); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_points WHERE record_id = ? AND record_collection = ?", id, s.collection); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO vec_points (embedding, record_id, record_collection) VALUES (?, ?, ?)",
			rawVecBlob(vectors[i]), id, s.collection); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func (s *SqliteVecStore) Update(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if vector == nil {
		vector = existing.Vector
	}
	if payload == nil {
		payload = existing.Payload
	}
	return s.Insert(ctx, []string{id}, [][]float32{vector}, []map[string]any{payload})
}

func (s *SqliteVecStore) Delete(ctx context.Context, id string) error {
	const op = "vectorstore.SqliteVec.Delete"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM vec_rows WHERE id = ? AND collection = ?", id, s.collection); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM vec_points WHERE record_id = ? AND record_collection = ?", id, s.collection); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func (s *SqliteVecStore) Get(ctx context.Context, id string) (Record, error) {
	const op = "vectorstore.SqliteVec.Get"

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return Record{}, err
	}

	var payloadJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM vec_rows WHERE id = ? AND collection = ?", id, s.collection).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return Record{}, memerr.Errorf(op, memerr.KindNotFound, "memory %s not found", id)
	}
	if err != nil {
		return Record{}, memerr.E(op, memerr.KindUpstream, err)
	}

	var blob []byte
	err = s.db.QueryRowContext(ctx,
		"SELECT embedding FROM vec_points WHERE record_id = ? AND record_collection = ?", id, s.collection).Scan(&blob)
	if err != nil && err != sql.ErrNoRows {
		return Record{}, memerr.E(op, memerr.KindUpstream, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return Record{}, memerr.E(op, memerr.KindUnknown, err)
	}
	return Record{ID: id, Vector: rawVecDecode(blob), Payload: payload}, nil
}

func (s *SqliteVecStore) List(ctx context.Context, filters map[string]any, limit int) ([]Record, error) {
	const op = "vectorstore.SqliteVec.List"

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, payload FROM vec_rows WHERE collection = ? ORDER BY id", s.collection)
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			id          string
			payloadJSON string
		)
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			return nil, memerr.E(op, memerr.KindUnknown, err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, memerr.E(op, memerr.KindUnknown, err)
		}
		if !matchFilters(payload, filters) {
			continue
		}
		records = append(records, Record{ID: id, Payload: payload})
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	return records, nil
}

func (s *SqliteVecStore) Search(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]SearchResult, error) {
	const op = "vectorstore.SqliteVec.Search"

	if err := s.checkVector(op, vector); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	// Filters prune after scoring, so over-fetch when filters are present.
	fetch := searchTopK(limit)
	if len(filters) > 0 {
		fetch *= 4
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.payload, vec_distance_cosine(p.embedding, ?) AS distance
		FROM vec_points p
		JOIN vec_rows r ON r.id = p.record_id AND r.collection = p.record_collection
		WHERE p.record_collection = ?
		ORDER BY distance ASC
		LIMIT ?`, rawVecBlob(vector), s.collection, fetch)
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			id          string
			payloadJSON string
			distance    float64
		)
		if err := rows.Scan(&id, &payloadJSON, &distance); err != nil {
			return nil, memerr.E(op, memerr.KindUnknown, err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, memerr.E(op, memerr.KindUnknown, err)
		}
		if !matchFilters(payload, filters) {
			continue
		}
		results = append(results, SearchResult{
			ID:      id,
			Score:   normalizeCosine(1 - distance),
			Payload: payload,
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

func (s *SqliteVecStore) Reset(ctx context.Context) error {
	const op = "vectorstore.SqliteVec.Reset"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vec_rows WHERE collection = ?", s.collection); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vec_points WHERE record_collection = ?", s.collection); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

func (s *SqliteVecStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// rawVecBlob packs a vector in sqlite-vec's raw little-endian layout (no
// length prefix).
func rawVecBlob(v []float32) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(4 * len(v))
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func rawVecDecode(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	v := make([]float32, len(blob)/4)
	_ = binary.Read(bytes.NewReader(blob), binary.LittleEndian, &v)
	return v
}

// Package graph stores the optional entity/relation fan-out of the
// ingestion pipeline: a SQLite edge table plus an LLM extractor that turns
// memory text into typed entities and snake_case relations.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"memscreen/internal/core"
	"memscreen/internal/memerr"
)

// Entity is one extracted graph node.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"type"`
}

// Relation is one extracted edge between two entities.
type Relation struct {
	Source       string `json:"source"`
	Relationship string `json:"relationship"`
	Target       string `json:"target"`
}

// Extraction is the full output of one entity-extraction call.
type Extraction struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Empty reports whether the extraction carries nothing worth storing.
func (e Extraction) Empty() bool {
	return len(e.Entities) == 0 && len(e.Relations) == 0
}

// Link is one stored edge.
type Link struct {
	EntityA  string  `json:"entity_a"`
	Relation string  `json:"relation"`
	EntityB  string  `json:"entity_b"`
	Weight   float64 `json:"weight"`
}

// Store persists entities and links in their own SQLite database, scoped
// the same way memories are.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating as needed) the graph database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	const op = "graph.Open"

	if path == "" {
		return nil, memerr.Errorf(op, memerr.KindConfig, "graph db path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, memerr.E(op, memerr.KindConfig, fmt.Errorf("%s: %w", pragma, err))
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS graph_entities (
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME,
			PRIMARY KEY (name, user_id, agent_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS graph_links (
			entity_a TEXT NOT NULL,
			relation TEXT NOT NULL,
			entity_b TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1.0,
			user_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME,
			PRIMARY KEY (entity_a, relation, entity_b, user_id, agent_id, run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_links_a ON graph_links(entity_a)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_links_b ON graph_links(entity_b)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, memerr.E(op, memerr.KindUpstream, err)
		}
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) checkOpen(op string) error {
	if s.closed {
		return memerr.Errorf(op, memerr.KindConfig, "graph store is closed")
	}
	return nil
}

// AddExtraction writes every entity and relation of one extraction under
// the given scope. Re-adding an existing edge replaces it, so repeated
// observations of the same fact stay a single row.
func (s *Store) AddExtraction(ctx context.Context, scope core.ScopeIDs, ex Extraction) error {
	const op = "graph.AddExtraction"

	if ex.Empty() {
		return nil
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

	now := s.now().UTC().Format(time.RFC3339)
	for _, ent := range ex.Entities {
		name := canonical(ent.Name)
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO graph_entities (name, kind, user_id, agent_id, run_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			name, strings.ToLower(ent.Kind), scope.UserID, scope.AgentID, scope.RunID, now); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
	}
	for _, rel := range ex.Relations {
		a, b := canonical(rel.Source), canonical(rel.Target)
		if a == "" || rel.Relationship == "" || b == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO graph_links (entity_a, relation, entity_b, weight, user_id, agent_id, run_id, created_at)
			 VALUES (?, ?, ?, 1.0, ?, ?, ?, ?)`,
			a, rel.Relationship, b, scope.UserID, scope.AgentID, scope.RunID, now); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return nil
}

// Links returns the edges touching an entity. direction is "outgoing",
// "incoming", or anything else for both.
func (s *Store) Links(ctx context.Context, entity, direction string) ([]Link, error) {
	const op = "graph.Links"

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	var (
		query string
		args  []any
	)
	entity = canonical(entity)
	switch direction {
	case "outgoing":
		query = "SELECT entity_a, relation, entity_b, weight FROM graph_links WHERE entity_a = ?"
		args = []any{entity}
	case "incoming":
		query = "SELECT entity_a, relation, entity_b, weight FROM graph_links WHERE entity_b = ?"
		args = []any{entity}
	default:
		query = "SELECT entity_a, relation, entity_b, weight FROM graph_links WHERE entity_a = ? OR entity_b = ?"
		args = []any{entity, entity}
	}

	rows, err := s.db.QueryContext(ctx, query+" ORDER BY entity_a, relation, entity_b", args...)
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.EntityA, &l.Relation, &l.EntityB, &l.Weight); err != nil {
			return nil, memerr.E(op, memerr.KindUpstream, err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	return links, nil
}

// Counts reports entity and link totals, for status reporting.
func (s *Store) Counts(ctx context.Context) (entities, links int, err error) {
	const op = "graph.Counts"

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graph_entities").Scan(&entities); err != nil {
		return 0, 0, memerr.E(op, memerr.KindUpstream, err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graph_links").Scan(&links); err != nil {
		return 0, 0, memerr.E(op, memerr.KindUpstream, err)
	}
	return entities, links, nil
}

// Reset drops every entity and link.
func (s *Store) Reset(ctx context.Context) error {
	const op = "graph.Reset"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}
	for _, stmt := range []string{"DELETE FROM graph_links", "DELETE FROM graph_entities"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return memerr.E(op, memerr.KindUpstream, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// canonical lowercases and trims an entity name so "VS Code " and "vs code"
// collapse into one node.
func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

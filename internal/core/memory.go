// Package core holds the domain types shared across the memory engine:
// memories, tiers, scopes, events, and the payload encoding used by the
// vector store.
package core

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Tier is the lifecycle tier of a memory.
type Tier string

const (
	TierWorking   Tier = "working"
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
)

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierWorking, TierShortTerm, TierLongTerm:
		return true
	}
	return false
}

// Category labels a memory's content kind. Free-form strings are accepted;
// only the enumerated set carries scoring weights.
type Category string

const (
	CategoryFact         Category = "fact"
	CategoryProcedure    Category = "procedure"
	CategoryCode         Category = "code"
	CategoryTask         Category = "task"
	CategoryConcept      Category = "concept"
	CategoryDocument     Category = "document"
	CategoryQuestion     Category = "question"
	CategoryConversation Category = "conversation"
	CategoryGreeting     Category = "greeting"
	CategoryGeneral      Category = "general"
	CategoryImage        Category = "image"
	CategoryVideo        Category = "video"
)

// Event is the mutation vocabulary of the ingestion planner and history log.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// ScopeIDs identifies who a memory belongs to. At least one field must be
// non-empty for any operation that reads or writes memories.
type ScopeIDs struct {
	UserID  string
	AgentID string
	RunID   string
}

// Empty reports whether no scope id is set.
func (s ScopeIDs) Empty() bool {
	return s.UserID == "" && s.AgentID == "" && s.RunID == ""
}

// Filters returns the conjunctive exact-match filter map for this scope.
func (s ScopeIDs) Filters() Filters {
	f := Filters{}
	if s.UserID != "" {
		f[KeyUserID] = s.UserID
	}
	if s.AgentID != "" {
		f[KeyAgentID] = s.AgentID
	}
	if s.RunID != "" {
		f[KeyRunID] = s.RunID
	}
	return f
}

// Filters is a conjunctive exact-match filter over payload scalar fields.
type Filters map[string]any

// Clone returns a shallow copy. A nil receiver clones to an empty map.
func (f Filters) Clone() Filters {
	out := make(Filters, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Canonical payload keys. The vector store persists memories as flat
// string-keyed payloads; these are the keys every component agrees on.
const (
	KeyData            = "data"
	KeyHash            = "hash"
	KeyCreatedAt       = "created_at"
	KeyUpdatedAt       = "updated_at"
	KeyUserID          = "user_id"
	KeyAgentID         = "agent_id"
	KeyRunID           = "run_id"
	KeyActorID         = "actor_id"
	KeyRole            = "role"
	KeyCategory        = "category"
	KeyTier            = "tier"
	KeyAccessCount     = "access_count"
	KeyLastAccessed    = "last_accessed_at"
	KeyImportanceScore = "importance_score"
	KeyCompressed      = "compressed"
	KeyOriginalLength  = "original_length"
	KeyCompressedAt    = "compressed_at"
	KeyMemoryType      = "memory_type"
	KeyContradiction   = "contradiction"
)

// Memory is one stored observation, the atomic unit of read and write.
type Memory struct {
	ID        string
	Data      string
	Hash      string
	CreatedAt time.Time
	UpdatedAt time.Time

	Scope   ScopeIDs
	ActorID string
	Role    string

	Category        Category
	Tier            Tier
	AccessCount     int
	LastAccessed    time.Time
	ImportanceScore float64
	Compressed      bool

	// Metadata carries everything not covered by a typed field.
	Metadata map[string]any
}

// HashData returns the content digest used for duplicate detection.
func HashData(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

// FormatTime renders t for payload storage in the given location.
func FormatTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(time.RFC3339Nano)
}

// ParseTime parses a payload timestamp. Zero time on empty input.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Older rows may carry second precision.
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Payload flattens the memory into the vector store's payload form.
// Metadata keys never override the typed fields.
func (m *Memory) Payload(loc *time.Location) map[string]any {
	p := make(map[string]any, len(m.Metadata)+12)
	for k, v := range m.Metadata {
		p[k] = v
	}
	p[KeyData] = m.Data
	p[KeyHash] = m.Hash
	p[KeyCreatedAt] = FormatTime(m.CreatedAt, loc)
	if !m.UpdatedAt.IsZero() {
		p[KeyUpdatedAt] = FormatTime(m.UpdatedAt, loc)
	}
	if m.Scope.UserID != "" {
		p[KeyUserID] = m.Scope.UserID
	}
	if m.Scope.AgentID != "" {
		p[KeyAgentID] = m.Scope.AgentID
	}
	if m.Scope.RunID != "" {
		p[KeyRunID] = m.Scope.RunID
	}
	if m.ActorID != "" {
		p[KeyActorID] = m.ActorID
	}
	if m.Role != "" {
		p[KeyRole] = m.Role
	}
	if m.Category != "" {
		p[KeyCategory] = string(m.Category)
	}
	if m.Tier != "" {
		p[KeyTier] = string(m.Tier)
	}
	p[KeyAccessCount] = m.AccessCount
	if !m.LastAccessed.IsZero() {
		p[KeyLastAccessed] = FormatTime(m.LastAccessed, loc)
	}
	p[KeyImportanceScore] = m.ImportanceScore
	if m.Compressed {
		p[KeyCompressed] = true
	}
	return p
}

// FromPayload reconstructs a Memory from a stored payload.
func FromPayload(id string, payload map[string]any) *Memory {
	m := &Memory{ID: id, Metadata: map[string]any{}}
	for k, v := range payload {
		switch k {
		case KeyData:
			m.Data = asString(v)
		case KeyHash:
			m.Hash = asString(v)
		case KeyCreatedAt:
			m.CreatedAt, _ = ParseTime(asString(v))
		case KeyUpdatedAt:
			m.UpdatedAt, _ = ParseTime(asString(v))
		case KeyUserID:
			m.Scope.UserID = asString(v)
		case KeyAgentID:
			m.Scope.AgentID = asString(v)
		case KeyRunID:
			m.Scope.RunID = asString(v)
		case KeyActorID:
			m.ActorID = asString(v)
		case KeyRole:
			m.Role = asString(v)
		case KeyCategory:
			m.Category = Category(asString(v))
		case KeyTier:
			m.Tier = Tier(asString(v))
		case KeyAccessCount:
			m.AccessCount = asInt(v)
		case KeyLastAccessed:
			m.LastAccessed, _ = ParseTime(asString(v))
		case KeyImportanceScore:
			m.ImportanceScore = asFloat(v)
		case KeyCompressed:
			m.Compressed = asBool(v)
		default:
			m.Metadata[k] = v
		}
	}
	return m
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return false
}

// ActionRecord is one applied ingestion action, returned to callers and
// published to lifecycle subscribers.
type ActionRecord struct {
	ID             string `json:"id"`
	Memory         string `json:"memory"`
	Event          Event  `json:"event"`
	PreviousMemory string `json:"previous_memory,omitempty"`
}

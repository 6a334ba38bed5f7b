package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPayloadTypedFieldsWinOverMetadata(t *testing.T) {
	m := &Memory{
		ID:        "m1",
		Data:      "the real content",
		Hash:      HashData("the real content"),
		CreatedAt: testNow,
		Tier:      TierShortTerm,
		Metadata: map[string]any{
			"data":   "sneaky override",
			"tier":   "working",
			"source": "ocr",
		},
	}

	p := m.Payload(time.UTC)
	assert.Equal(t, "the real content", p[KeyData])
	assert.Equal(t, string(TierShortTerm), p[KeyTier])
	assert.Equal(t, "ocr", p["source"])
}

func TestPayloadOmitsZeroFields(t *testing.T) {
	m := &Memory{ID: "m1", Data: "x", CreatedAt: testNow}
	p := m.Payload(time.UTC)

	for _, key := range []string{
		KeyUpdatedAt, KeyUserID, KeyAgentID, KeyRunID, KeyActorID,
		KeyRole, KeyCategory, KeyTier, KeyLastAccessed, KeyCompressed,
	} {
		_, ok := p[key]
		assert.False(t, ok, "zero field %s must not be stored", key)
	}

	// Counters are always present so read-modify-write paths never
	// distinguish "missing" from zero.
	assert.Equal(t, 0, p[KeyAccessCount])
	assert.Equal(t, 0.0, p[KeyImportanceScore])
}

func TestPayloadRoundTripAcrossZones(t *testing.T) {
	pacific := time.FixedZone("UTC-7", -7*60*60)
	m := &Memory{
		ID:              "m1",
		Data:            "met Alice at the standup",
		Hash:            HashData("met Alice at the standup"),
		CreatedAt:       testNow,
		UpdatedAt:       testNow.Add(time.Hour),
		Scope:           ScopeIDs{UserID: "u1", RunID: "r1"},
		ActorID:         "alice",
		Role:            "user",
		Category:        CategoryFact,
		Tier:            TierWorking,
		AccessCount:     3,
		LastAccessed:    testNow.Add(2 * time.Hour),
		ImportanceScore: 0.62,
		Compressed:      true,
		Metadata:        map[string]any{"app": "slack"},
	}

	got := FromPayload("m1", m.Payload(pacific))

	assert.Equal(t, m.Data, got.Data)
	assert.Equal(t, m.Hash, got.Hash)
	assert.True(t, got.CreatedAt.Equal(m.CreatedAt), "created_at instant must survive the zone change")
	assert.True(t, got.UpdatedAt.Equal(m.UpdatedAt))
	assert.True(t, got.LastAccessed.Equal(m.LastAccessed))
	assert.Equal(t, m.Scope, got.Scope)
	assert.Equal(t, m.ActorID, got.ActorID)
	assert.Equal(t, m.Role, got.Role)
	assert.Equal(t, m.Category, got.Category)
	assert.Equal(t, m.Tier, got.Tier)
	assert.Equal(t, m.AccessCount, got.AccessCount)
	assert.Equal(t, m.ImportanceScore, got.ImportanceScore)
	assert.True(t, got.Compressed)

	// Free-form metadata comes back as metadata, not as typed fields.
	assert.Equal(t, map[string]any{"app": "slack"}, got.Metadata)
}

func TestFromPayloadCoercesWireTypes(t *testing.T) {
	// Payloads that crossed a JSON boundary carry float64 numbers and
	// string booleans.
	got := FromPayload("m1", map[string]any{
		KeyData:            "x",
		KeyAccessCount:     float64(4),
		KeyImportanceScore: float32(0.5),
		KeyCompressed:      "true",
		KeyOriginalLength:  float64(812),
	})

	assert.Equal(t, 4, got.AccessCount)
	assert.InDelta(t, 0.5, got.ImportanceScore, 1e-6)
	assert.True(t, got.Compressed)
	// Keys without a typed field stay in metadata untouched.
	assert.Equal(t, float64(812), got.Metadata[KeyOriginalLength])
}

func TestFormatTimeWholeSeconds(t *testing.T) {
	assert.Equal(t, "2025-06-01T12:00:00Z", FormatTime(testNow, nil))
	assert.Equal(t, "2025-06-01T05:00:00-07:00",
		FormatTime(testNow, time.FixedZone("UTC-7", -7*60*60)))
}

func TestParseTime(t *testing.T) {
	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	// Legacy rows carry second precision.
	got, err := ParseTime("2025-06-01T12:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(testNow))

	nano, err := ParseTime("2025-06-01T12:00:00.000000123Z")
	require.NoError(t, err)
	assert.Equal(t, 123, nano.Nanosecond())

	_, err = ParseTime("yesterday-ish")
	require.Error(t, err)
}

func TestHashData(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", HashData("hello"))
	assert.Equal(t, HashData("hello"), HashData("hello"))
	assert.NotEqual(t, HashData("hello"), HashData("hello "))
}

func TestScopeFilters(t *testing.T) {
	assert.True(t, ScopeIDs{}.Empty())
	assert.False(t, ScopeIDs{RunID: "r1"}.Empty())

	f := ScopeIDs{UserID: "u1", RunID: "r1"}.Filters()
	assert.Equal(t, Filters{KeyUserID: "u1", KeyRunID: "r1"}, f)
	_, hasAgent := f[KeyAgentID]
	assert.False(t, hasAgent, "unset scope ids must not constrain the filter")
}

func TestFiltersClone(t *testing.T) {
	var nilFilters Filters
	clone := nilFilters.Clone()
	require.NotNil(t, clone)
	clone["k"] = "v"

	orig := Filters{"a": 1}
	copied := orig.Clone()
	copied["a"] = 2
	assert.Equal(t, 1, orig["a"])
}

func TestValidTier(t *testing.T) {
	assert.True(t, ValidTier("working"))
	assert.True(t, ValidTier("short_term"))
	assert.True(t, ValidTier("long_term"))
	assert.False(t, ValidTier("medium_term"))
	assert.False(t, ValidTier(""))
}

// Package diff renders the change between two revisions of a memory.
// History keeps the full old and new text of every update; shown raw, a
// one-word edit hides inside two near-identical lines, so the inline diff
// marks just what moved.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op classifies one span of an inline diff.
type Op int

const (
	OpEqual Op = iota
	OpDelete
	OpInsert
)

// Span is a run of text covered by a single operation.
type Span struct {
	Op   Op
	Text string
}

// contextKeep bounds how much unchanged text survives on each side of an
// edit when rendering inline; longer runs collapse around an ellipsis.
const contextKeep = 24

// Engine computes inline diffs with semantic cleanup, which merges the
// character-level noise diffmatchpatch produces on prose into word-sized
// spans.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewEngine returns an Engine with no diff deadline: memory revisions are
// a few hundred characters, not files.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// Compare returns the spans that transform before into after.
func (e *Engine) Compare(before, after string) []Span {
	diffs := e.dmp.DiffMain(before, after, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	spans := make([]Span, 0, len(diffs))
	for _, d := range diffs {
		spans = append(spans, Span{Op: opFor(d.Type), Text: d.Text})
	}
	return spans
}

// Inline renders the change on one line, deletions as [-text-] and
// insertions as {+text+}. Identical revisions come back unmarked.
func (e *Engine) Inline(before, after string) string {
	if before == after {
		return before
	}
	var b strings.Builder
	for _, s := range e.Compare(before, after) {
		switch s.Op {
		case OpDelete:
			b.WriteString("[-")
			b.WriteString(s.Text)
			b.WriteString("-]")
		case OpInsert:
			b.WriteString("{+")
			b.WriteString(s.Text)
			b.WriteString("+}")
		default:
			b.WriteString(collapse(s.Text))
		}
	}
	return b.String()
}

var defaultEngine = NewEngine()

// Inline renders before→after with the package default engine.
func Inline(before, after string) string {
	return defaultEngine.Inline(before, after)
}

func opFor(t diffmatchpatch.Operation) Op {
	switch t {
	case diffmatchpatch.DiffDelete:
		return OpDelete
	case diffmatchpatch.DiffInsert:
		return OpInsert
	default:
		return OpEqual
	}
}

// collapse keeps the head and tail of a long unchanged span.
func collapse(s string) string {
	r := []rune(s)
	if len(r) <= 2*contextKeep+1 {
		return s
	}
	return string(r[:contextKeep]) + "…" + string(r[len(r)-contextKeep:])
}

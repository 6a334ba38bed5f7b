package retrieval

import "strings"

// visualLexicon expands bare UI nouns into the phrasing vision captioners
// tend to produce, so text embeddings of terse queries land near stored
// screen descriptions. Keys are lowercase single tokens.
var visualLexicon = map[string]string{
	"button":    "button UI element clickable interface",
	"window":    "window pane panel interface dialog",
	"menu":      "menu dropdown navigation list options",
	"icon":      "icon symbol glyph toolbar graphic",
	"dialog":    "dialog modal popup prompt box",
	"tab":       "tab page section navigation strip",
	"screen":    "screen display view interface layout",
	"toolbar":   "toolbar ribbon button strip controls",
	"checkbox":  "checkbox tick box toggle option",
	"dropdown":  "dropdown select list picker menu",
	"scrollbar": "scrollbar scroll track slider control",
	"cursor":    "cursor pointer caret position",
	"link":      "link hyperlink anchor clickable text",
	"field":     "field input box text entry form",
	"form":      "form input fields layout submission",
	"popup":     "popup overlay modal notification window",
	"slider":    "slider range control drag handle",
	"tooltip":   "tooltip hover hint label",
}

// RewriteQuery expands every lexicon noun in the query. Matching is
// case-insensitive on whole whitespace-separated tokens; everything else
// passes through unchanged. A query with no lexicon tokens is returned
// as-is, original spacing included.
func RewriteQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return query
	}
	out := make([]string, 0, len(fields))
	rewritten := false
	for _, f := range fields {
		if repl, ok := visualLexicon[strings.ToLower(f)]; ok {
			out = append(out, repl)
			rewritten = true
			continue
		}
		out = append(out, f)
	}
	if !rewritten {
		return query
	}
	return strings.Join(out, " ")
}

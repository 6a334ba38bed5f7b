// Package router classifies user input, dispatches it to retrieval or an
// LLM handler, routes generation to a model tier by input complexity, and
// caches formatted responses.
package router

import (
	"regexp"
	"strings"

	"memscreen/internal/cache"
	"memscreen/internal/core"
)

// Category is the coarse kind of a user input.
type Category string

const (
	CategoryQuestion  Category = "question"
	CategoryTask      Category = "task"
	CategoryCode      Category = "code"
	CategoryProcedure Category = "procedure"
	CategoryGreeting  Category = "greeting"
	CategoryGeneral   Category = "general"
)

// Intent narrows a category to a dispatchable purpose.
type Intent string

const (
	IntentRetrieveFact       Intent = "retrieve_fact"
	IntentFindProcedure      Intent = "find_procedure"
	IntentSearchConversation Intent = "search_conversation"
	IntentExecuteTask        Intent = "execute_task"
	IntentWriteCode          Intent = "write_code"
	IntentGreet              Intent = "greet"
	IntentGeneral            Intent = "general"
)

// Classification is the classifier's verdict for one input.
type Classification struct {
	Category   Category
	Intent     Intent
	Confidence float64
}

// rule is one classifier entry. Rules are evaluated in order; the first
// rule with a matching pattern or synonym wins.
type rule struct {
	category   Category
	intent     Intent
	confidence float64
	patterns   []*regexp.Regexp
	synonyms   []string
}

// rules is the ordered rule table. Specific shapes come first; the
// trailing entries are broad fallbacks.
var rules = []rule{
	{
		category: CategoryGreeting, intent: IntentGreet, confidence: 0.95,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(hi|hello|hey|yo|howdy|good\s+(morning|afternoon|evening)|你好|您好|早上好)[\s!.,~]*$`),
		},
	},
	{
		category: CategoryCode, intent: IntentWriteCode, confidence: 0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(write|generate|implement|refactor|debug|fix)\b.{0,40}\b(code|function|method|class|script|test|regex|query|bug)\b`),
			regexp.MustCompile("```"),
			regexp.MustCompile(`(?i)\b(syntax|compile|stack\s*trace|traceback|panic:)\b`),
			regexp.MustCompile(`写.{0,10}(代码|函数|脚本)`),
		},
	},
	{
		category: CategoryQuestion, intent: IntentFindProcedure, confidence: 0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhow\s+(do|did|to|can|would|should)\b`),
			regexp.MustCompile(`(?i)\b(steps?|procedure|walkthrough|guide)\b`),
			regexp.MustCompile(`怎么|如何|步骤`),
		},
	},
	{
		category: CategoryQuestion, intent: IntentSearchConversation, confidence: 0.8,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(conversation|chat|discussed|talked\s+about|told\s+me|we\s+said)\b`),
			regexp.MustCompile(`聊过|说过|讨论过`),
		},
	},
	{
		category: CategoryTask, intent: IntentExecuteTask, confidence: 0.8,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(remind\s+me|remember\s+(to|that)|note\s+(down|that)|todo[:\s]|add\s+a?\s*(task|note|reminder))`),
			regexp.MustCompile(`(?i)\bdon'?t\s+let\s+me\s+forget\b`),
			regexp.MustCompile(`^(记住|提醒我|记一下)`),
		},
	},
	{
		category: CategoryQuestion, intent: IntentRetrieveFact, confidence: 0.75,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(what|when|where|who|which|whose|did|do|does|is|are|was|were)\b`),
			regexp.MustCompile(`什么|哪个|哪里|是谁|多少`),
		},
	},
	{
		// Anything interrogative that slipped past the specific shapes.
		category: CategoryQuestion, intent: IntentRetrieveFact, confidence: 0.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`[?？]\s*$`),
		},
	},
}

// fallback classifies inputs no rule matched.
var fallback = Classification{Category: CategoryGeneral, Intent: IntentGeneral, Confidence: 0.3}

// Classifier runs the rule table with a small digest-keyed cache in front.
type Classifier struct {
	verdicts *cache.LRU
}

// NewClassifier builds a classifier with the given cache capacity.
func NewClassifier(cacheSize int) *Classifier {
	if cacheSize <= 0 {
		cacheSize = 50
	}
	return &Classifier{verdicts: cache.NewLRU(cacheSize)}
}

// Classify maps an input to (category, intent, confidence).
func (c *Classifier) Classify(input string) Classification {
	key := cache.DigestKey(input)
	if v, ok := c.verdicts.Get(key); ok {
		return v.(Classification)
	}

	cls := classify(input)
	c.verdicts.Set(key, cls)
	return cls
}

func classify(input string) Classification {
	trimmed := strings.TrimSpace(input)
	lower := strings.ToLower(trimmed)
	for _, r := range rules {
		for _, p := range r.patterns {
			if p.MatchString(trimmed) {
				return Classification{Category: r.category, Intent: r.intent, Confidence: r.confidence}
			}
		}
		for _, s := range r.synonyms {
			if strings.Contains(lower, s) {
				return Classification{Category: r.category, Intent: r.intent, Confidence: r.confidence * 0.8}
			}
		}
	}
	return fallback
}

// MemoryCategory maps a classification to the category stored with the
// input's memory.
func (cl Classification) MemoryCategory() core.Category {
	switch cl.Category {
	case CategoryQuestion:
		return core.CategoryQuestion
	case CategoryTask:
		return core.CategoryTask
	case CategoryCode:
		return core.CategoryCode
	case CategoryProcedure:
		return core.CategoryProcedure
	case CategoryGreeting:
		return core.CategoryGreeting
	}
	return core.CategoryGeneral
}

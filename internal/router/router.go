package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"memscreen/internal/cache"
	"memscreen/internal/core"
	"memscreen/internal/ingest"
	"memscreen/internal/llm"
	"memscreen/internal/memerr"
	"memscreen/internal/retrieval"
)

// Retriever is the read side the router dispatches questions to.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Hit, error)
}

// Storer is the write side; the ingestion pipeline satisfies it.
type Storer interface {
	Add(ctx context.Context, messages []ingest.Message, opts ingest.AddOptions) ([]core.ActionRecord, error)
}

// Deps are the router's collaborators.
type Deps struct {
	Retriever Retriever
	Store     Storer
	Models    *Catalog
	Logger    *zap.Logger
}

// Options tune caching and chat composition.
type Options struct {
	// ResponseCacheSize bounds the formatted-response LRU.
	ResponseCacheSize int

	// ClassifierCacheSize bounds the classification LRU.
	ClassifierCacheSize int

	// ContextLimit caps the memories included in a chat answer.
	ContextLimit int

	// ContextBudget caps the chat memory block in characters. The budget
	// is split across tiers, working memories first.
	ContextBudget int

	// StoreTimeout bounds each background storage call.
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ResponseCacheSize <= 0 {
		o.ResponseCacheSize = 100
	}
	if o.ClassifierCacheSize <= 0 {
		o.ClassifierCacheSize = 50
	}
	if o.ContextLimit <= 0 {
		o.ContextLimit = 5
	}
	if o.ContextBudget <= 0 {
		o.ContextBudget = defaultContextBudget
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 30 * time.Second
	}
	return o
}

const greetingResponse = "Hello! Ask me about anything you've seen on screen, or tell me something to remember."

const noMemoriesResponse = "I don't have any stored memories about that yet."

const chatSystemPrompt = `You are the user's personal screen-memory assistant. Answer from the memories below; when they do not cover the question, say so instead of guessing. Be brief and concrete.

Memories:
%s`

const codeSystemPrompt = `You are a coding assistant. Answer with working code and the minimum prose needed to use it.`

// Router classifies input and dispatches it to the right handler.
type Router struct {
	classifier *Classifier
	retriever  Retriever
	store      Storer
	models     *Catalog
	responses  *cache.LRU
	logger     *zap.Logger
	opts       Options

	bg sync.WaitGroup
}

// New wires a router.
func New(deps Deps, opts Options) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Router{
		classifier: NewClassifier(opts.ClassifierCacheSize),
		retriever:  deps.Retriever,
		store:      deps.Store,
		models:     deps.Models,
		responses:  cache.NewLRU(opts.ResponseCacheSize),
		logger:     logger,
		opts:       opts,
	}
}

// Close waits for in-flight background storage to finish.
func (r *Router) Close() {
	r.bg.Wait()
}

// CacheLen reports the number of cached responses.
func (r *Router) CacheLen() int { return r.responses.Len() }

// Chat answers one user input. Responses are cached per scope and input;
// a cache hit skips classification and dispatch entirely.
func (r *Router) Chat(ctx context.Context, input string, scope core.ScopeIDs) (string, error) {
	const op = "router.Chat"
	input = strings.TrimSpace(input)
	if input == "" {
		return "", memerr.Errorf(op, memerr.KindConfig, "input is required")
	}

	key := responseKey(scope, input)
	if v, ok := r.responses.Get(key); ok {
		return v.(string), nil
	}

	cls := r.classifier.Classify(input)
	response, err := r.dispatch(ctx, input, cls, scope)
	if err != nil {
		return "", err
	}
	r.responses.Set(key, response)
	return response, nil
}

// ChatStream is Chat with incremental output. Canned and cached responses
// arrive as a single chunk; generated ones stream through from the model
// and are cached once complete.
func (r *Router) ChatStream(ctx context.Context, input string, scope core.ScopeIDs) (<-chan string, <-chan error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return oneShotErr(memerr.Errorf("router.Chat", memerr.KindConfig, "input is required"))
	}

	key := responseKey(scope, input)
	if v, ok := r.responses.Get(key); ok {
		return oneShot(v.(string))
	}

	cls := r.classifier.Classify(input)
	switch {
	case cls.Category == CategoryGreeting:
		r.storeInBackground(ctx, input, cls, scope)
		r.responses.Set(key, greetingResponse)
		return oneShot(greetingResponse)

	case cls.Category == CategoryTask:
		response, err := r.handleTask(ctx, input, scope)
		if err != nil {
			return oneShotErr(err)
		}
		r.responses.Set(key, response)
		return oneShot(response)
	}

	r.storeInBackground(ctx, input, cls, scope)
	msgs, err := r.composeMessages(ctx, input, cls, scope)
	if err != nil {
		return oneShotErr(err)
	}
	if msgs == nil {
		r.responses.Set(key, noMemoriesResponse)
		return oneShot(noMemoriesResponse)
	}

	model, opts, err := r.pickModel(input)
	if err != nil {
		return oneShotErr(err)
	}

	out := make(chan string)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errOut)
		chunks, errs := model.Client.GenerateStream(ctx, msgs, opts)
		var full strings.Builder
		for chunk := range chunks {
			full.WriteString(chunk)
			select {
			case out <- chunk:
			case <-ctx.Done():
				errOut <- ctx.Err()
				return
			}
		}
		if err := <-errs; err != nil {
			errOut <- err
			return
		}
		r.responses.Set(key, full.String())
	}()
	return out, errOut
}

// dispatch routes one classified input to its handler.
func (r *Router) dispatch(ctx context.Context, input string, cls Classification, scope core.ScopeIDs) (string, error) {
	switch cls.Category {
	case CategoryGreeting:
		r.storeInBackground(ctx, input, cls, scope)
		return greetingResponse, nil

	case CategoryTask:
		// The add is the handler here; no extra background write.
		return r.handleTask(ctx, input, scope)
	}

	r.storeInBackground(ctx, input, cls, scope)

	msgs, err := r.composeMessages(ctx, input, cls, scope)
	if err != nil {
		return "", err
	}
	if msgs == nil {
		return noMemoriesResponse, nil
	}

	model, opts, err := r.pickModel(input)
	if err != nil {
		return "", err
	}
	response, err := model.Client.Generate(ctx, msgs, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}

// handleTask stores the input as a task memory and confirms.
func (r *Router) handleTask(ctx context.Context, input string, scope core.ScopeIDs) (string, error) {
	records, err := r.store.Add(ctx, []ingest.Message{{Role: llm.RoleUser, Content: input}},
		ingest.AddOptions{Scope: scope, Category: core.CategoryTask, Infer: true})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "Already noted.", nil
	}
	return "Noted.", nil
}

// composeMessages builds the generation request for a question or code
// input. A nil message slice with nil error means there is nothing to
// generate from: the caller answers with the canned no-memories response.
func (r *Router) composeMessages(ctx context.Context, input string, cls Classification, scope core.ScopeIDs) ([]llm.Message, error) {
	if cls.Category == CategoryCode {
		return []llm.Message{
			{Role: llm.RoleSystem, Content: codeSystemPrompt},
			{Role: llm.RoleUser, Content: input},
		}, nil
	}

	hits, err := r.lookup(ctx, input, cls, scope)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	block, stats := assembleContext(hits, r.opts.ContextBudget)
	if block == "" {
		return nil, nil
	}
	if stats.Truncated > 0 || stats.Dropped > 0 {
		r.logger.Debug("chat context over budget",
			zap.Int("included", stats.Included),
			zap.Int("truncated", stats.Truncated),
			zap.Int("dropped", stats.Dropped))
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(chatSystemPrompt, block)},
		{Role: llm.RoleUser, Content: input},
	}, nil
}

// lookup retrieves context for a question, first within the intent's
// category, then unrestricted if the restriction found nothing.
func (r *Router) lookup(ctx context.Context, input string, cls Classification, scope core.ScopeIDs) ([]retrieval.Hit, error) {
	filters := scope.Filters()
	restricted := categoryFilter(cls.Intent)
	if restricted != "" {
		filters[core.KeyCategory] = string(restricted)
	}

	hits, err := r.retriever.Retrieve(ctx, retrieval.Query{
		Text: input, Filters: filters, Limit: r.opts.ContextLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 || restricted == "" {
		return hits, nil
	}

	// The category gate can be too tight; retry across all categories.
	return r.retriever.Retrieve(ctx, retrieval.Query{
		Text: input, Filters: scope.Filters(), Limit: r.opts.ContextLimit,
	})
}

// categoryFilter maps a dispatch intent to its category restriction.
func categoryFilter(intent Intent) core.Category {
	switch intent {
	case IntentRetrieveFact:
		return core.CategoryFact
	case IntentFindProcedure:
		return core.CategoryProcedure
	case IntentSearchConversation:
		return core.CategoryConversation
	}
	return ""
}

// pickModel routes the input's complexity to a model tier and the matching
// generation preset.
func (r *Router) pickModel(input string) (Model, llm.Options, error) {
	tier := TierFor(Complexity(input))
	model, ok := r.models.Pick(tier)
	if !ok {
		return Model{}, llm.Options{}, memerr.Errorf("router.model", memerr.KindConfig, "no chat model configured")
	}

	useCase := llm.UseCaseChat
	if tier == TierTiny || tier == TierSmall {
		useCase = llm.UseCaseChatFast
	}
	r.logger.Debug("routed chat input",
		zap.String("tier", string(tier)),
		zap.String("model", model.Name),
		zap.String("use_case", useCase))
	return model, llm.Options{UseCase: useCase}, nil
}

// storeInBackground hands the input to the ingestion pipeline without
// delaying the response. Failures are logged, never surfaced.
func (r *Router) storeInBackground(ctx context.Context, input string, cls Classification, scope core.ScopeIDs) {
	if r.store == nil {
		return
	}
	bctx := context.WithoutCancel(ctx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		sctx, cancel := context.WithTimeout(bctx, r.opts.StoreTimeout)
		defer cancel()
		_, err := r.store.Add(sctx, []ingest.Message{{Role: llm.RoleUser, Content: input}},
			ingest.AddOptions{Scope: scope, Category: cls.MemoryCategory(), Infer: true})
		if err != nil {
			r.logger.Warn("background storage failed", zap.Error(err))
		}
	}()
}

// responseKey digests scope and input so cached answers never cross scopes.
func responseKey(scope core.ScopeIDs, input string) string {
	return cache.DigestKey(scope.UserID + "\x1f" + scope.AgentID + "\x1f" + scope.RunID + "\x1f" + input)
}

func oneShot(s string) (<-chan string, <-chan error) {
	content := make(chan string, 1)
	errs := make(chan error)
	content <- s
	close(content)
	close(errs)
	return content, errs
}

func oneShotErr(err error) (<-chan string, <-chan error) {
	content := make(chan string)
	errs := make(chan error, 1)
	errs <- err
	close(content)
	close(errs)
	return content, errs
}

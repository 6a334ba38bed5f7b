// Package retrieval implements the hybrid text+vision retriever: visual-term
// query rewriting, per-side embedding with one-side degradation, parallel
// vector-store searches, and reciprocal-rank fusion of the two result lists
// with lexical term matches breaking score ties.
package retrieval

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"memscreen/internal/cache"
	"memscreen/internal/embedding"
	"memscreen/internal/memerr"
	"memscreen/internal/vectorstore"
)

// Searcher is the slice of the vector store the retriever needs. The
// multimodal store satisfies it.
type Searcher interface {
	SearchText(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]vectorstore.SearchResult, error)
	SearchVision(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]vectorstore.SearchResult, error)
}

// Hit is one fused retrieval result. Score is the RRF-fused value in [0,1];
// it orders results within a query but is not comparable across queries.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Query is one retrieval request. At least one of Text or ImagePath must be
// set; Limit defaults to 10.
type Query struct {
	Text      string
	ImagePath string
	Filters   map[string]any
	Limit     int
}

// Deps are the retriever's collaborators. Vision may be nil; image queries
// then degrade to the text side.
type Deps struct {
	Store    Searcher
	Embedder embedding.Engine
	Vision   embedding.VisionEncoder
	Logger   *zap.Logger
}

// Options tune fusion and caching.
type Options struct {
	// Alpha weights the text side in the fused score; the vision side
	// takes 1-Alpha. Must be in (0,1].
	Alpha float64

	// RRFK is the reciprocal-rank-fusion constant.
	RRFK int

	// CacheSize bounds the result cache.
	CacheSize int

	// DisableRewrite turns off visual-term query rewriting. Rewriting only
	// reorders results, so disabling it is safe.
	DisableRewrite bool
}

const (
	defaultAlpha     = 0.6
	defaultRRFK      = 60
	defaultCacheSize = 100
	defaultLimit     = 10
)

func (o Options) withDefaults() Options {
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = defaultAlpha
	}
	if o.RRFK <= 0 {
		o.RRFK = defaultRRFK
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}
	return o
}

// Retriever runs hybrid searches over the paired text and vision
// collections.
type Retriever struct {
	store    Searcher
	embedder embedding.Engine
	vision   embedding.VisionEncoder
	logger   *zap.Logger
	opts     Options
	results  *cache.LRU
}

// NewRetriever wires a retriever.
func NewRetriever(deps Deps, opts Options) *Retriever {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Retriever{
		store:    deps.Store,
		embedder: deps.Embedder,
		vision:   deps.Vision,
		logger:   logger,
		opts:     opts,
		results:  cache.NewLRU(opts.CacheSize),
	}
}

// Retrieve embeds and searches each requested modality, fuses the two
// ranked lists by reciprocal rank, and returns the top Limit hits. A side
// that fails at any stage degrades to the other side;
// when every requested side fails the result is empty with both errors
// logged, not an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Hit, error) {
	const op = "retrieval.Retrieve"
	if q.Text == "" && q.ImagePath == "" {
		return nil, memerr.Errorf(op, memerr.KindConfig, "a text query or an image path is required")
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}

	key := cache.SearchKey(q.Text, q.ImagePath, q.Filters, q.Limit)
	if v, ok := r.results.Get(key); ok {
		return v.([]Hit), nil
	}

	// Each side embeds and searches independently so a slow or failing
	// modality never stalls the other. The goroutines report through their
	// own slots and always return nil.
	var (
		textHits   []vectorstore.SearchResult
		visionHits []vectorstore.SearchResult
		textErr    error
		visionErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	if q.Text != "" {
		g.Go(func() error {
			textHits, textErr = r.searchTextSide(gctx, q)
			return nil
		})
	}
	if q.ImagePath != "" {
		g.Go(func() error {
			visionHits, visionErr = r.searchVisionSide(gctx, q)
			return nil
		})
	}
	_ = g.Wait()

	if textErr != nil {
		r.logger.Warn("text retrieval failed", zap.Error(textErr))
	}
	if visionErr != nil {
		r.logger.Warn("vision retrieval failed", zap.Error(visionErr))
	}
	textOK := q.Text != "" && textErr == nil
	visionOK := q.ImagePath != "" && visionErr == nil
	if !textOK && !visionOK {
		return []Hit{}, nil
	}

	// Candidates carrying the query's terms verbatim form an auxiliary
	// ranked list. It never moves the fused score, only breaks exact ties,
	// so the dense ordering always dominates.
	var lexHits []vectorstore.SearchResult
	if textOK {
		candidates := append(append([]vectorstore.SearchResult{}, textHits...), visionHits...)
		lexHits = rankLexical(candidates, ExtractTerms(q.Text), 2*q.Limit)
	}

	hits := fuse(textHits, visionHits, lexHits, r.opts.Alpha, r.opts.RRFK)
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	r.results.Set(key, hits)
	return hits, nil
}

// searchTextSide rewrites, embeds, and searches the text collection with
// twice the requested limit so fusion has enough candidates.
func (r *Retriever) searchTextSide(ctx context.Context, q Query) ([]vectorstore.SearchResult, error) {
	query := q.Text
	if !r.opts.DisableRewrite {
		query = RewriteQuery(query)
	}
	vector, err := r.embedder.Embed(ctx, query, embedding.ActionSearch)
	if err != nil {
		return nil, err
	}
	return r.store.SearchText(ctx, vector, 2*q.Limit, q.Filters)
}

func (r *Retriever) searchVisionSide(ctx context.Context, q Query) ([]vectorstore.SearchResult, error) {
	if r.vision == nil {
		return nil, memerr.Errorf("retrieval.vision", memerr.KindConfig, "no vision encoder configured")
	}
	vector, err := r.vision.EncodeImage(ctx, q.ImagePath)
	if err != nil {
		return nil, err
	}
	return r.store.SearchVision(ctx, vector, 2*q.Limit, q.Filters)
}

// Invalidate clears the result cache. The ingestion pipeline calls it after
// every successful write so cached hit lists never outlive their members.
func (r *Retriever) Invalidate() {
	r.results.Clear()
}

// CacheLen reports the number of cached hit lists.
func (r *Retriever) CacheLen() int {
	return r.results.Len()
}

// fuse merges the two dense lists by reciprocal rank. Ranks are 1-based,
// so the best hit on a side scores weight/(k+1): alpha for the text side,
// 1-alpha for vision. A memory absent from a side contributes 0 for it, and
// a memory that leads the other on both sides always outranks it. The
// payload comes from the text side when both sides carry the memory.
// Output is ordered by descending fused score; exact ties go to the better
// lexical rank, then to ascending id. The lexical list never changes a
// score, only tie order.
func fuse(text, vision, lexical []vectorstore.SearchResult, alpha float64, k int) []Hit {
	merged := make(map[string]*Hit, len(text)+len(vision))
	for i, res := range text {
		merged[res.ID] = &Hit{
			ID:      res.ID,
			Score:   alpha / float64(k+i+1),
			Payload: res.Payload,
		}
	}
	for i, res := range vision {
		score := (1 - alpha) / float64(k+i+1)
		if h, ok := merged[res.ID]; ok {
			h.Score += score
			continue
		}
		merged[res.ID] = &Hit{ID: res.ID, Score: score, Payload: res.Payload}
	}

	lexRank := make(map[string]int, len(lexical))
	for i, res := range lexical {
		lexRank[res.ID] = i + 1
	}
	rankOf := func(id string) int {
		if r, ok := lexRank[id]; ok {
			return r
		}
		return len(lexical) + 1
	}

	out := make([]Hit, 0, len(merged))
	for _, h := range merged {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if ri, rj := rankOf(out[i].ID), rankOf(out[j].ID); ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

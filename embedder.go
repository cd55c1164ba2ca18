package quickquiz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EmbeddingClient is the slice of the OpenAI client the embedder needs.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// EmbedFailure records one failed batch: the chunk ordinals that did not
// receive a vector and why.
type EmbedFailure struct {
	Ordinals []int  `json:"ordinals"`
	Message  string `json:"message"`
}

// EmbedResult reports how many chunks received vectors and which batches
// failed.
type EmbedResult struct {
	Embedded int            `json:"embedded"`
	Failed   []EmbedFailure `json:"failed,omitempty"`
}

// Embedder converts chunk texts into fixed-dimension vectors in bounded
// batches.
type Embedder struct {
	client      EmbeddingClient
	model       openai.EmbeddingModel
	batchSize   int
	concurrency int
	retry       RetryPolicy
	log         *zap.SugaredLogger
}

// NewEmbedder creates an embedder with the configured batch bounds.
func NewEmbedder(client EmbeddingClient, cfg Config, log *zap.SugaredLogger) *Embedder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	batch := cfg.EmbedBatchSize
	if batch <= 0 {
		batch = 32
	}
	if batch > 50 {
		batch = 50
	}
	conc := cfg.EmbedConcurrency
	if conc <= 0 {
		conc = 4
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = openai.AdaEmbeddingV2
	}
	return &Embedder{
		client:      client,
		model:       model,
		batchSize:   batch,
		concurrency: conc,
		retry:       cfg.EmbeddingRetry,
		log:         log,
	}
}

// EmbedChunks attaches a vector to every chunk it can. Batches run
// concurrently but each vector lands at its chunk's position, so output
// order never depends on completion order. A failed batch leaves its
// chunks without vectors and is reported in the result; sibling batches
// are unaffected. The returned error is non-nil only on cancellation.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []Chunk) (EmbedResult, error) {
	if len(chunks) == 0 {
		return EmbedResult{}, nil
	}

	type batchRange struct{ start, end int }
	var batches []batchRange
	for start := 0; start < len(chunks); start += e.batchSize {
		end := start + e.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, batchRange{start, end})
	}

	var (
		mu       sync.Mutex
		failures []EmbedFailure
		embedded int32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, r := range batches {
		r := r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vectors, err := e.embedBatch(gctx, chunks[r.start:r.end])
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failures = append(failures, EmbedFailure{
					Ordinals: ordinalsOf(chunks[r.start:r.end]),
					Message:  err.Error(),
				})
				mu.Unlock()
				e.log.Warnw("embedding batch failed",
					"from", chunks[r.start].Ordinal, "to", chunks[r.end-1].Ordinal, "error", err)
				return nil
			}
			for i, vec := range vectors {
				chunks[r.start+i].Embedding = vec
			}
			atomic.AddInt32(&embedded, int32(len(vectors)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return EmbedResult{Embedded: int(atomic.LoadInt32(&embedded)), Failed: failures}, err
	}
	return EmbedResult{Embedded: int(embedded), Failed: failures}, nil
}

// embedBatch requests vectors for one batch with retry and reassembles
// them by response index, not arrival order.
func (e *Embedder) embedBatch(ctx context.Context, batch []Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var resp openai.EmbeddingResponse
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		r, cerr := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: e.model,
		})
		if cerr != nil {
			return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, cerr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingUnavailable, len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: vector index %d out of range", ErrEmbeddingUnavailable, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("%w: missing vector for input %d", ErrEmbeddingUnavailable, i)
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single retrieval query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var resp openai.EmbeddingResponse
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		r, cerr := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
		if cerr != nil {
			return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, cerr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingUnavailable)
	}
	return resp.Data[0].Embedding, nil
}

func ordinalsOf(chunks []Chunk) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = c.Ordinal
	}
	return out
}

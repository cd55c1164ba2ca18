package quickquiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Pipeline wires the full flow: source ingestion, chunking, embedding,
// question generation, and the evaluation loop.
type Pipeline struct {
	cfg      Config
	store    *Store
	norm     *Normalizer
	chunker  *Chunker
	cache    *FingerprintCache
	embedder *Embedder
	index    *VectorIndex
	maker    *QuestionMaker
	checker  *QuestionChecker
	deduper  *QuestionDeduper
	log      *zap.SugaredLogger
}

// NewPipeline assembles a pipeline from its parts. store must be non-nil;
// backend may be nil for an in-memory cache; chat and embedClient are
// typically the same *openai.Client.
func NewPipeline(cfg Config, store *Store, backend CacheBackend, chat ChatClient, embedClient EmbeddingClient, log *zap.SugaredLogger) *Pipeline {
	if store == nil {
		panic("quickquiz: NewPipeline requires a store")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipeline{
		cfg:   cfg,
		store: store,
		norm:  NewNormalizer(cfg, store, log),
		chunker: NewChunker(ChunkerConfig{
			TargetTokens:  cfg.ChunkTargetTokens,
			OverlapTokens: cfg.ChunkOverlapTokens,
			QualityFloor:  cfg.ChunkQualityFloor,
		}, log),
		cache:    NewFingerprintCache(backend, cfg.CacheVersion, cfg.CacheTTL, log),
		embedder: NewEmbedder(embedClient, cfg, log),
		index:    NewVectorIndex(),
		maker:    NewQuestionMaker(chat, cfg.ChatModel, cfg.GenerationRetry, log),
		checker:  NewQuestionChecker(chat, cfg, log),
		deduper:  NewQuestionDeduper(0),
		log:      log,
	}
}

// NewPipelineFromConfig opens the store and cache backend named by cfg and
// wires a real OpenAI client. The returned cleanup closes what was opened.
func NewPipelineFromConfig(cfg Config, log *zap.SugaredLogger) (*Pipeline, func(), error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := store.CreateTables(); err != nil {
		store.Close()
		return nil, nil, err
	}

	var backend CacheBackend
	var redisCache *RedisCache
	if cfg.RedisAddr != "" {
		redisCache, err = NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warnw("redis unavailable, falling back to in-memory cache", "addr", cfg.RedisAddr, "error", err)
		} else {
			backend = redisCache
		}
	}

	client := openai.NewClient(cfg.OpenAIKey)
	p := NewPipeline(cfg, store, backend, client, client, log)

	cleanup := func() {
		if redisCache != nil {
			redisCache.Close()
		}
		store.Close()
	}
	return p, cleanup, nil
}

// Store exposes the underlying store for callers that need direct reads.
func (p *Pipeline) Store() *Store { return p.store }

// Ingest normalizes a source, chunks and embeds it, and persists the
// resulting document. Content already ingested to completion is returned
// as the existing document without any duplicate work.
func (p *Pipeline) Ingest(ctx context.Context, src Source) (*Document, error) {
	content, err := p.norm.Normalize(ctx, src)
	if err != nil {
		var dup *DuplicateContentError
		if errors.As(err, &dup) {
			p.log.Infow("duplicate content, reusing existing document",
				"document", dup.DocumentID, "hash", dup.ContentHash[:12])
			return p.store.GetDocument(dup.DocumentID)
		}
		p.recordFailedIngest(src, err)
		return nil, err
	}

	now := time.Now()
	doc := &Document{
		ID:          uuid.NewString(),
		Title:       content.Title,
		SourceKind:  src.Kind,
		SourceRef:   sourceRef(src),
		ContentHash: content.ContentHash,
		Status:      DocumentProcessing,
		PageCount:   content.PageCount,
		WordCount:   content.WordCount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.CreateDocument(doc); err != nil {
		return nil, err
	}

	chunks, fromCache, err := p.chunkWithCache(ctx, doc.ID, content)
	if err != nil {
		p.failDocument(doc, err)
		return nil, err
	}
	if fromCache {
		p.log.Infow("reusing cached chunks", "document", doc.ID, "chunks", len(chunks))
	}
	doc.ChunkCount = len(chunks)

	embedRes, err := p.embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		doc.Status = DocumentCanceled
		doc.Errors = append(doc.Errors, err.Error())
		doc.UpdatedAt = time.Now()
		if uerr := p.store.UpdateDocument(doc); uerr != nil {
			p.log.Warnw("failed to record canceled document", "document", doc.ID, "error", uerr)
		}
		return nil, err
	}
	for _, f := range embedRes.Failed {
		doc.Errors = append(doc.Errors, fmt.Sprintf("embedding failed for chunks %v: %s", f.Ordinals, f.Message))
	}

	for i := range chunks {
		if len(chunks[i].Embedding) == 0 {
			continue
		}
		if ierr := p.index.Upsert(chunks[i]); ierr != nil {
			p.log.Warnw("failed to index chunk", "chunk", chunks[i].ID, "error", ierr)
		}
	}

	chunkPtrs := make([]*Chunk, len(chunks))
	for i := range chunks {
		chunkPtrs[i] = &chunks[i]
	}
	if err := p.store.SaveChunks(chunkPtrs); err != nil {
		p.failDocument(doc, err)
		return nil, err
	}

	switch {
	case embedRes.Embedded == 0:
		err := fmt.Errorf("%w: no chunk received a vector", ErrEmbeddingUnavailable)
		p.failDocument(doc, err)
		return nil, err
	case len(embedRes.Failed) > 0:
		doc.Status = DocumentCompletedWithErrors
	default:
		doc.Status = DocumentCompleted
	}
	doc.UpdatedAt = time.Now()
	if err := p.store.UpdateDocument(doc); err != nil {
		return nil, err
	}

	p.log.Infow("ingested document",
		"document", doc.ID,
		"title", doc.Title,
		"chunks", doc.ChunkCount,
		"embedded", embedRes.Embedded,
		"status", doc.Status)
	return doc, nil
}

// chunkWithCache chunks normalized content through the fingerprint cache.
// A hit from an earlier ingest of the same content is rebound to the new
// document with fresh chunk IDs.
func (p *Pipeline) chunkWithCache(ctx context.Context, documentID string, content *NormalizedContent) ([]Chunk, bool, error) {
	fp := Fingerprint{
		ContentHash: content.ContentHash,
		Operation:   "chunk",
		Params: map[string]string{
			"target":  strconv.Itoa(p.chunker.cfg.TargetTokens),
			"overlap": strconv.Itoa(p.chunker.cfg.OverlapTokens),
			"floor":   strconv.FormatFloat(p.chunker.cfg.QualityFloor, 'f', -1, 64),
		},
	}

	raw, fromCache, err := p.cache.Do(ctx, fp, func(ctx context.Context) ([]byte, error) {
		chunks, cerr := p.chunker.Chunk(documentID, content.Text)
		if cerr != nil {
			return nil, cerr
		}
		return json.Marshal(chunks)
	})
	if err != nil {
		return nil, false, err
	}

	var chunks []Chunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached chunks: %w", err)
	}
	if fromCache {
		for i := range chunks {
			chunks[i].ID = uuid.NewString()
			chunks[i].DocumentID = documentID
			chunks[i].Embedding = nil
		}
	}
	return chunks, fromCache, nil
}

// errDegradedRun keeps a transiently emptied generation run out of the
// fingerprint cache. It never reaches a caller.
var errDegradedRun = errors.New("generation run degraded by transient failures")

// Generate produces approved questions for an ingested document. Repeat
// requests with identical parameters over unchanged content are served
// from the fingerprint cache.
func (p *Pipeline) Generate(ctx context.Context, req GenerationRequest) (*QuestionBatchResult, error) {
	doc, err := p.store.GetDocument(req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != DocumentCompleted && doc.Status != DocumentCompletedWithErrors {
		return nil, fmt.Errorf("document %s has status %s, not ready for generation", doc.ID, doc.Status)
	}

	if req.NumQuestions <= 0 {
		req.NumQuestions = p.cfg.DefaultQuestions
	}
	if req.NumQuestions > p.cfg.MaxQuestions {
		p.log.Warnw("clamping question count", "requested", req.NumQuestions, "max", p.cfg.MaxQuestions)
		req.NumQuestions = p.cfg.MaxQuestions
	}

	fp := Fingerprint{
		ContentHash: doc.ContentHash,
		Operation:   "generate",
		Params: map[string]string{
			"topic":      req.Topic,
			"count":      strconv.Itoa(req.NumQuestions),
			"type":       string(req.Type),
			"difficulty": string(req.Difficulty),
			"model":      p.cfg.ChatModel,
		},
	}

	var computed *QuestionBatchResult
	raw, fromCache, err := p.cache.Do(ctx, fp, func(ctx context.Context) ([]byte, error) {
		res, gerr := p.generateBatch(ctx, req, doc)
		if gerr != nil {
			return nil, gerr
		}
		computed = res
		if res.Status == BatchCanceled {
			// partial output of a canceled run must not satisfy later requests
			return nil, context.Canceled
		}
		if len(res.Approved) == 0 && res.degraded {
			// a run emptied by transient failures must not satisfy later
			// requests either; the next identical request recomputes
			return nil, errDegradedRun
		}
		return json.Marshal(res)
	})
	if err != nil {
		if computed != nil {
			return computed, nil
		}
		return nil, err
	}
	if computed != nil {
		return computed, nil
	}

	var result QuestionBatchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached generation result: %w", err)
	}
	if fromCache {
		p.log.Infow("serving cached generation result",
			"document", doc.ID, "approved", len(result.Approved))
	}
	return &result, nil
}

// generateBatch runs the generate-evaluate-amend cycle until the requested
// number of questions is approved or the source is exhausted.
func (p *Pipeline) generateBatch(ctx context.Context, req GenerationRequest, doc *Document) (*QuestionBatchResult, error) {
	runID := uuid.NewString()[:8]
	transcript, terr := NewLLMLogger(p.cfg.TranscriptDir, runID, req)
	if terr != nil {
		p.log.Warnw("transcript logger unavailable", "error", terr)
		transcript = nil
	} else {
		p.maker.SetTranscript(transcript)
		p.checker.SetTranscript(transcript)
		defer func() {
			p.maker.SetTranscript(nil)
			p.checker.SetTranscript(nil)
			transcript.Close()
		}()
	}

	p.deduper.Reset()
	excerpts := p.retrieveContext(ctx, req, doc)

	result := &QuestionBatchResult{
		DocumentID: doc.ID,
		Requested:  req.NumQuestions,
		Status:     BatchCompleted,
		CreatedAt:  time.Now(),
	}

	var (
		approved []*Question
		rejected []*Question
		avoid    []string
		batchErr error
	)
	pool := NewQuestionPool()
	batchSize := 5
	stalls := 0

	for len(approved) < req.NumQuestions {
		if ctx.Err() != nil {
			result.Status = BatchCanceled
			break
		}

		if pool.IsEmpty() {
			candidates, err := p.maker.GenerateQuestions(ctx, req, excerpts, avoid, batchSize)
			if err != nil {
				batchErr = err
				result.Errors = append(result.Errors, ItemError{Scope: "batch", Message: err.Error()})
				if ctx.Err() != nil {
					result.Status = BatchCanceled
				}
				break
			}
			added := 0
			for _, q := range candidates {
				if dup := p.deduper.Check(q); dup.IsDuplicate {
					p.log.Debugw("dropping duplicate candidate",
						"question", q.ID, "duplicate_of", dup.DuplicateID, "similarity", dup.Similarity)
					if transcript != nil {
						transcript.LogDuplicate(q.ID, dup.DuplicateID, dup.Similarity)
					}
					continue
				}
				p.deduper.Record(q)
				avoid = append(avoid, q.Stem)
				pool.Add(NewEvaluationLoop(q, p.cfg.AmendmentBudget))
				added++
			}
			if added == 0 {
				stalls++
				if stalls >= 3 {
					result.Errors = append(result.Errors, ItemError{
						Scope:   "batch",
						Message: fmt.Sprintf("source material exhausted after %d approved of %d requested", len(approved), req.NumQuestions),
					})
					break
				}
				batchSize = min(batchSize+2, 10)
				continue
			}
		}

		acceptedBefore := len(approved)
		for !pool.IsEmpty() && len(approved) < req.NumQuestions {
			if ctx.Err() != nil {
				break
			}
			loop := pool.Next()
			if !p.processLoop(ctx, loop, excerpts, pool, result) {
				continue // amended and requeued
			}

			q := loop.Question()
			if err := p.store.SaveQuestion(q); err != nil {
				p.log.Warnw("failed to persist question", "question", q.ID, "error", err)
			}
			if loop.State() == StateApproved {
				approved = append(approved, q)
			} else {
				rejected = append(rejected, q)
			}
		}

		if len(approved) == acceptedBefore && pool.IsEmpty() {
			stalls++
			if stalls >= 3 {
				result.Errors = append(result.Errors, ItemError{
					Scope:   "batch",
					Message: fmt.Sprintf("no candidate approved after repeated batches, %d approved of %d requested", len(approved), req.NumQuestions),
				})
				break
			}
			batchSize = min(batchSize+2, 10)
			p.log.Infow("no questions approved this round, growing batch", "batch_size", batchSize)
		} else if len(approved) > acceptedBefore {
			stalls = 0
		}
	}

	if ctx.Err() != nil {
		result.Status = BatchCanceled
	}
	if len(approved) == 0 && batchErr != nil && result.Status != BatchCanceled {
		return nil, batchErr
	}

	if len(approved) > req.NumQuestions {
		approved = approved[:req.NumQuestions]
	}
	result.Approved = approved
	result.Rejected = rejected
	if result.Status != BatchCanceled {
		if len(approved) < req.NumQuestions || len(result.Errors) > 0 {
			result.Status = BatchCompletedWithErrors
		} else {
			result.Status = BatchCompleted
		}
	}

	p.log.Infow("generation run finished",
		"run", runID,
		"document", doc.ID,
		"requested", req.NumQuestions,
		"approved", len(approved),
		"rejected", len(rejected),
		"status", result.Status)
	return result, nil
}

// processLoop advances one candidate: evaluate, then approve, reject, or
// amend-and-requeue. Returns false when the candidate went back into the
// pool, true when it reached a terminal state.
func (p *Pipeline) processLoop(ctx context.Context, loop *EvaluationLoop, excerpts []ChunkMatch, pool *QuestionPool, result *QuestionBatchResult) bool {
	q := loop.Question()

	if err := loop.BeginEvaluation(); err != nil {
		loop.ForceReject(err.Error())
		result.Errors = append(result.Errors, ItemError{Scope: "candidate", ID: q.ID, Message: err.Error()})
		return true
	}

	ev, err := p.checker.Evaluate(ctx, q, excerpts)
	if err != nil {
		p.log.Warnw("evaluation failed, rejecting candidate", "question", q.ID, "error", err)
		loop.ForceReject(fmt.Sprintf("evaluation failed: %v", err))
		result.Errors = append(result.Errors, ItemError{Scope: "candidate", ID: q.ID, Message: err.Error()})
		if errors.Is(err, ErrEvaluationUnavailable) {
			result.degraded = true
		}
		return true
	}
	if serr := p.store.SaveEvaluation(ev); serr != nil {
		p.log.Warnw("failed to persist evaluation", "question", q.ID, "error", serr)
	}

	state, err := loop.ApplyVerdict(ev)
	if err != nil {
		loop.ForceReject(err.Error())
		result.Errors = append(result.Errors, ItemError{Scope: "candidate", ID: q.ID, Message: err.Error()})
		return true
	}

	if state != StateAmending {
		return true
	}

	revised, aerr := p.maker.Amend(ctx, q, ev.SuggestedFix, excerpts)
	if aerr != nil {
		p.log.Warnw("amendment failed, rejecting candidate", "question", q.ID, "error", aerr)
		loop.ForceReject(fmt.Sprintf("amendment failed: %v", aerr))
		result.Errors = append(result.Errors, ItemError{Scope: "candidate", ID: q.ID, Message: aerr.Error()})
		if errors.Is(aerr, ErrModel) {
			result.degraded = true
		}
		return true
	}
	if rerr := loop.ReplaceCandidate(revised); rerr != nil {
		loop.ForceReject(rerr.Error())
		return true
	}
	pool.Add(loop)
	return false
}

// Evaluate scores a single question against its document's material
// without running the amendment loop.
func (p *Pipeline) Evaluate(ctx context.Context, q *Question) (*Evaluation, error) {
	if err := ValidateCandidate(q); err != nil {
		return nil, err
	}

	var excerpts []ChunkMatch
	if q.DocumentID != "" && len(q.ChunkIDs) > 0 {
		if chunks, err := p.store.GetChunks(q.DocumentID); err == nil {
			wanted := make(map[string]bool, len(q.ChunkIDs))
			for _, id := range q.ChunkIDs {
				wanted[id] = true
			}
			for _, c := range chunks {
				if wanted[c.ID] {
					excerpts = append(excerpts, ChunkMatch{
						ChunkID:    c.ID,
						DocumentID: c.DocumentID,
						Ordinal:    c.Ordinal,
						Text:       c.Text,
					})
				}
			}
		}
	}

	ev, err := p.checker.Evaluate(ctx, q, excerpts)
	if err != nil {
		return nil, err
	}
	if serr := p.store.SaveEvaluation(ev); serr != nil {
		p.log.Warnw("failed to persist evaluation", "question", q.ID, "error", serr)
	}
	return ev, nil
}

// ListDocuments returns ingested documents newest first.
func (p *Pipeline) ListDocuments(limit, offset int) ([]*Document, error) {
	return p.store.ListDocuments(limit, offset)
}

// ListQuestions returns a document's questions, optionally filtered by
// status.
func (p *Pipeline) ListQuestions(documentID string, status QuestionStatus) ([]*Question, error) {
	return p.store.ListQuestions(documentID, status)
}

// retrieveContext picks the excerpts generation will be grounded in:
// the chunks nearest the topic, or the document's leading chunks when
// retrieval is unavailable.
func (p *Pipeline) retrieveContext(ctx context.Context, req GenerationRequest, doc *Document) []ChunkMatch {
	p.ensureIndexed(doc.ID)

	queryText := req.Topic
	if queryText == "" {
		queryText = doc.Title
	}

	vec, err := p.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		p.log.Warnw("query embedding failed, using leading chunks", "error", err)
		return p.fallbackContext(doc.ID)
	}

	matches := p.index.QueryNearest(vec, p.cfg.NumContextChunks, doc.ID)
	if len(matches) == 0 {
		return p.fallbackContext(doc.ID)
	}
	return matches
}

// ensureIndexed loads a document's persisted chunk vectors into the index
// when a fresh process is asked to generate for an old document.
func (p *Pipeline) ensureIndexed(documentID string) {
	if p.index.HasDocument(documentID) {
		return
	}
	chunks, err := p.store.GetChunks(documentID)
	if err != nil {
		p.log.Warnw("failed to load chunks for indexing", "document", documentID, "error", err)
		return
	}
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if err := p.index.Upsert(*c); err != nil {
			p.log.Warnw("failed to index chunk", "chunk", c.ID, "error", err)
		}
	}
}

// fallbackContext returns the document's first chunks in ordinal order.
func (p *Pipeline) fallbackContext(documentID string) []ChunkMatch {
	chunks, err := p.store.GetChunks(documentID)
	if err != nil || len(chunks) == 0 {
		return nil
	}
	n := p.cfg.NumContextChunks
	if n <= 0 || n > len(chunks) {
		n = len(chunks)
	}
	matches := make([]ChunkMatch, 0, n)
	for _, c := range chunks[:n] {
		matches = append(matches, ChunkMatch{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Ordinal:    c.Ordinal,
			Text:       c.Text,
		})
	}
	return matches
}

// recordFailedIngest persists a document row for a source that never
// produced usable content, so failures are visible in listings.
func (p *Pipeline) recordFailedIngest(src Source, cause error) {
	title := src.Name
	if title == "" {
		title = src.URL
	}
	if title == "" {
		title = "untitled source"
	}
	now := time.Now()
	doc := &Document{
		ID:         uuid.NewString(),
		Title:      title,
		SourceKind: src.Kind,
		SourceRef:  sourceRef(src),
		Status:     DocumentFailed,
		Errors:     []string{cause.Error()},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.CreateDocument(doc); err != nil {
		p.log.Warnw("failed to record failed ingest", "error", err)
	}
}

func (p *Pipeline) failDocument(doc *Document, cause error) {
	doc.Status = DocumentFailed
	doc.Errors = append(doc.Errors, cause.Error())
	doc.UpdatedAt = time.Now()
	if err := p.store.UpdateDocument(doc); err != nil {
		p.log.Warnw("failed to record document failure", "document", doc.ID, "error", err)
	}
}

func sourceRef(src Source) string {
	if src.Kind == SourceKindURL {
		return src.URL
	}
	return src.Name
}

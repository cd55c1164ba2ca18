package quickquiz

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// fastRetry keeps retry-driven tests in the millisecond range.
var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// testConfig returns a config tuned for tests: small chunks, fast retries,
// and throwaway paths.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "quickquiz.db")
	cfg.TranscriptDir = t.TempDir()
	cfg.ChunkTargetTokens = 60
	cfg.ChunkOverlapTokens = 12
	cfg.EmbedBatchSize = 4
	cfg.EmbedConcurrency = 2
	cfg.NumContextChunks = 2
	cfg.GenerationRetry = fastRetry
	cfg.EvaluationRetry = fastRetry
	cfg.EmbeddingRetry = fastRetry
	cfg.FetchRetry = fastRetry
	return cfg
}

// stubChat scripts chat completions. The handler receives the 1-based call
// number; per-tool call counts are available through toolCalls.
type stubChat struct {
	mu      sync.Mutex
	calls   int
	byTool  map[string]int
	handler func(call int, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func (s *stubChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	if s.byTool == nil {
		s.byTool = make(map[string]int)
	}
	s.byTool[forcedTool(req)]++
	s.mu.Unlock()
	return s.handler(call, req)
}

func (s *stubChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubChat) toolCalls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTool[name]
}

// forcedTool extracts the tool name a request forces the model to call.
func forcedTool(req openai.ChatCompletionRequest) string {
	if tc, ok := req.ToolChoice.(openai.ToolChoice); ok {
		return tc.Function.Name
	}
	return ""
}

// toolResponse wraps tool arguments in a completion the way the API
// returns them.
func toolResponse(tool, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					ToolCalls: []openai.ToolCall{
						{
							ID:   "call-1",
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      tool,
								Arguments: args,
							},
						},
					},
				},
			},
		},
	}
}

// submitArgs builds submit_questions tool arguments from question payloads.
func submitArgs(payloads ...map[string]interface{}) string {
	raw, _ := json.Marshal(map[string]interface{}{"questions": payloads})
	return string(raw)
}

// reviseArgs builds revise_question tool arguments.
func reviseArgs(payload map[string]interface{}) string {
	raw, _ := json.Marshal(map[string]interface{}{"revised": payload})
	return string(raw)
}

// scoreArgs builds score_question tool arguments.
func scoreArgs(clarity, accuracy, difficultyFit, relevance float64, feedback, fix string) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"clarity":        clarity,
		"accuracy":       accuracy,
		"difficulty_fit": difficultyFit,
		"relevance":      relevance,
		"feedback":       feedback,
		"suggested_fix":  fix,
	})
	return string(raw)
}

// stubEmbeddings answers embedding requests with deterministic vectors
// derived from the input text. fail, when set, can reject a call before any
// vectors are produced; respond overrides the response entirely.
type stubEmbeddings struct {
	mu      sync.Mutex
	calls   int
	fail    func(call int, texts []string) error
	respond func(texts []string) openai.EmbeddingResponse
}

func (s *stubEmbeddings) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	req, ok := conv.(openai.EmbeddingRequest)
	if !ok {
		return openai.EmbeddingResponse{}, fmt.Errorf("unexpected request type %T", conv)
	}
	texts, ok := req.Input.([]string)
	if !ok {
		return openai.EmbeddingResponse{}, fmt.Errorf("unexpected input type %T", req.Input)
	}

	s.mu.Lock()
	s.calls++
	call := s.calls
	fail := s.fail
	respond := s.respond
	s.mu.Unlock()

	if fail != nil {
		if err := fail(call, texts); err != nil {
			return openai.EmbeddingResponse{}, err
		}
	}
	if respond != nil {
		return respond(texts), nil
	}

	data := make([]openai.Embedding, len(texts))
	for i, text := range texts {
		data[i] = openai.Embedding{Index: i, Embedding: testVector(text)}
	}
	return openai.EmbeddingResponse{Data: data}, nil
}

func (s *stubEmbeddings) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubEmbeddings) setFail(fail func(call int, texts []string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// testVector derives a deterministic 8-dimension vector from text.
func testVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(sum[i]) / 255
	}
	return vec
}

// sampleQuestion returns a valid multiple choice candidate.
func sampleQuestion() *Question {
	return &Question{
		ID:            uuid.NewString(),
		DocumentID:    "doc-1",
		ChunkIDs:      []string{"chunk-1"},
		Type:          TypeMultipleChoice,
		Difficulty:    DifficultyMedium,
		Stem:          "Which law relates force to mass and acceleration?",
		Options:       []string{"The first law", "The second law", "The third law", "The law of gravitation"},
		CorrectAnswer: 1,
		Explanation:   "The second law states that force equals mass times acceleration.",
		BloomLevel:    BloomUnderstand,
		Status:        QuestionPending,
		CreatedAt:     time.Now(),
	}
}

package quickquiz

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LLMLogger writes a per-run transcript of all model interactions to a
// file, so a generation run can be replayed and audited after the fact.
type LLMLogger struct {
	file  *os.File
	mu    sync.Mutex
	runID string
}

// NewLLMLogger creates a transcript logger for one generation run.
func NewLLMLogger(dir, runID string, req GenerationRequest) (*LLMLogger, error) {
	if dir == "" {
		dir = "log"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s.log", runID))
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	logger := &LLMLogger{
		file:  file,
		runID: runID,
	}

	logger.Logf("=== Question Generation Transcript ===\n")
	logger.Logf("Run ID: %s\n", runID)
	logger.Logf("Document: %s\n", req.DocumentID)
	if req.Topic != "" {
		logger.Logf("Topic: %s\n", req.Topic)
	}
	logger.Logf("Requested Questions: %d\n", req.NumQuestions)
	logger.Logf("Type: %s\n", req.Type)
	logger.Logf("Difficulty: %s\n", req.Difficulty)
	logger.Logf("Started: %s\n", time.Now().Format(time.RFC3339))
	logger.Logf("=======================================\n\n")

	return logger, nil
}

// Logf writes a formatted transcript entry with a timestamp.
func (ll *LLMLogger) Logf(format string, args ...interface{}) {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	timestamp := time.Now().Format("15:04:05.000")
	message := fmt.Sprintf(format, args...)

	fmt.Fprintf(ll.file, "[%s] %s", timestamp, message)
	ll.file.Sync()
}

// LogRequest records a model request for a pipeline stage.
func (ll *LLMLogger) LogRequest(stage, prompt string) {
	ll.Logf("=== REQUEST (%s) ===\n", stage)
	ll.Logf("Prompt:\n%s\n", prompt)
	ll.Logf("====================\n\n")
}

// LogResponse records a model response for a pipeline stage.
func (ll *LLMLogger) LogResponse(stage, response string) {
	ll.Logf("=== RESPONSE (%s) ===\n", stage)
	ll.Logf("Response:\n%s\n", response)
	ll.Logf("=====================\n\n")
}

// LogVerdict records the evaluation outcome for a question.
func (ll *LLMLogger) LogVerdict(questionID string, verdict Verdict, aggregate float64, feedback string) {
	ll.Logf("Question %s: %s (aggregate %.2f) - %s\n", questionID, verdict, aggregate, feedback)
}

// LogDropped records a candidate discarded before evaluation.
func (ll *LLMLogger) LogDropped(questionID, reason string) {
	ll.Logf("Question %s: DROPPED - %s\n", questionID, reason)
}

// LogDuplicate records a candidate collapsed into an earlier question.
func (ll *LLMLogger) LogDuplicate(questionID, duplicateOf string, similarity float64) {
	ll.Logf("Question %s: DUPLICATE of %s (similarity %.2f)\n", questionID, duplicateOf, similarity)
}

// Close finalizes and closes the transcript file.
func (ll *LLMLogger) Close() error {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	if ll.file != nil {
		timestamp := time.Now().Format("15:04:05.000")
		fmt.Fprintf(ll.file, "[%s] === Run Complete ===\n", timestamp)
		fmt.Fprintf(ll.file, "[%s] Completed: %s\n", timestamp, time.Now().Format(time.RFC3339))
		return ll.file.Close()
	}
	return nil
}

package quickquiz

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline failure taxonomy. Callers classify with
// errors.Is; each layer wraps these with fmt.Errorf("...: %w", ...).
var (
	// ErrExtraction marks an unrecoverable content problem: empty after
	// cleaning, unreadable, or below the minimum length threshold.
	ErrExtraction = errors.New("content extraction failed")

	// ErrInsufficientContent marks a document whose chunks all fell below
	// the quality floor.
	ErrInsufficientContent = errors.New("insufficient content")

	// ErrDuplicateContent signals that the content hash already maps to a
	// completed document. Not a failure: callers short-circuit to the
	// existing result.
	ErrDuplicateContent = errors.New("duplicate content")

	// ErrEmbeddingUnavailable marks a transient embedding backend failure.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrModel marks a transient generation model failure.
	ErrModel = errors.New("model call failed")

	// ErrEvaluationUnavailable marks a transient judgment model failure.
	ErrEvaluationUnavailable = errors.New("evaluation service unavailable")

	// ErrGenerationStructure marks a structurally incomplete generated
	// question. The candidate is dropped; the batch continues.
	ErrGenerationStructure = errors.New("structurally invalid question")

	// ErrNotFound marks a missing record in the store.
	ErrNotFound = errors.New("not found")
)

// DuplicateContentError carries the completed document that already owns a
// content hash. It matches ErrDuplicateContent under errors.Is.
type DuplicateContentError struct {
	DocumentID  string
	ContentHash string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content: hash %s already belongs to document %s", e.ContentHash, e.DocumentID)
}

func (e *DuplicateContentError) Is(target error) bool {
	return target == ErrDuplicateContent
}

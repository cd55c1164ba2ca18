package quickquiz

import "time"

// SourceKind identifies where ingested content came from.
type SourceKind string

const (
	SourceKindPDF  SourceKind = "pdf"
	SourceKindURL  SourceKind = "url"
	SourceKindText SourceKind = "text"
)

// DocumentStatus represents the state of a document in the pipeline.
type DocumentStatus string

const (
	DocumentPending             DocumentStatus = "pending"
	DocumentProcessing          DocumentStatus = "processing"
	DocumentCompleted           DocumentStatus = "completed"
	DocumentCompletedWithErrors DocumentStatus = "completed_with_errors"
	DocumentFailed              DocumentStatus = "failed"
	DocumentCanceled            DocumentStatus = "canceled"
)

// Document represents one ingested content source.
type Document struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	SourceKind  SourceKind     `json:"source_kind"`
	SourceRef   string         `json:"source_ref,omitempty"`
	ContentHash string         `json:"content_hash"`
	Status      DocumentStatus `json:"status"`
	ChunkCount  int            `json:"chunk_count"`
	PageCount   int            `json:"page_count,omitempty"`
	WordCount   int            `json:"word_count"`
	Errors      []string       `json:"errors,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ChunkTag classifies the structure of a chunk's content.
type ChunkTag string

const (
	TagParagraph ChunkTag = "paragraph"
	TagList      ChunkTag = "list"
	TagTitle     ChunkTag = "title"
	TagCode      ChunkTag = "code"
)

// Chunk is a bounded segment of normalized document text. Chunks are
// immutable after creation except for embedding attachment.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Tag        ChunkTag  `json:"tag"`
	Quality    float64   `json:"quality"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// QuestionType identifies the answer format of a question.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeTrueFalse      QuestionType = "true_false"
	TypeShortAnswer    QuestionType = "short_answer"
	TypeEssay          QuestionType = "essay"
)

// Difficulty is the requested difficulty of a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// BloomLevel tags a question with the cognitive level it exercises.
type BloomLevel string

const (
	BloomRemember   BloomLevel = "remember"
	BloomUnderstand BloomLevel = "understand"
	BloomApply      BloomLevel = "apply"
	BloomAnalyze    BloomLevel = "analyze"
	BloomEvaluate   BloomLevel = "evaluate"
	BloomCreate     BloomLevel = "create"
)

// QuestionStatus represents the approval state of a question candidate.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionApproved QuestionStatus = "approved"
	QuestionAmended  QuestionStatus = "amended"
	QuestionRejected QuestionStatus = "rejected"
)

// Question represents a single candidate quiz question.
type Question struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id,omitempty"`
	ChunkIDs      []string       `json:"chunk_ids,omitempty"`
	Type          QuestionType   `json:"type"`
	Difficulty    Difficulty     `json:"difficulty"`
	Stem          string         `json:"stem"`
	Options       []string       `json:"options,omitempty"`
	CorrectAnswer int            `json:"correct_answer"` // 0-based index into Options
	AnswerText    string         `json:"answer_text,omitempty"`
	Explanation   string         `json:"explanation"`
	BloomLevel    BloomLevel     `json:"bloom_level,omitempty"`
	Quality       float64        `json:"quality"`
	Status        QuestionStatus `json:"status"`
	Revision      int            `json:"revision"`
	Evaluations   []*Evaluation  `json:"evaluations,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Verdict is the evaluator's decision for a candidate.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictAmend  Verdict = "amend"
	VerdictReject Verdict = "reject"
)

// Evaluation records one pass of the quality rubric over a question.
type Evaluation struct {
	ID            string    `json:"id"`
	QuestionID    string    `json:"question_id"`
	Clarity       float64   `json:"clarity"`
	Accuracy      float64   `json:"accuracy"`
	DifficultyFit float64   `json:"difficulty_fit"`
	Relevance     float64   `json:"relevance"`
	Aggregate     float64   `json:"aggregate"`
	Verdict       Verdict   `json:"verdict"`
	Feedback      string    `json:"feedback"`
	SuggestedFix  string    `json:"suggested_fix,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MinCriterion returns the lowest of the four criterion scores.
func (ev *Evaluation) MinCriterion() float64 {
	min := ev.Clarity
	for _, s := range []float64{ev.Accuracy, ev.DifficultyFit, ev.Relevance} {
		if s < min {
			min = s
		}
	}
	return min
}

// GenerationRequest represents a request to generate questions for a document.
type GenerationRequest struct {
	DocumentID   string       `json:"document_id"`
	Topic        string       `json:"topic,omitempty"`
	NumQuestions int          `json:"num_questions"`
	Type         QuestionType `json:"type,omitempty"`
	Difficulty   Difficulty   `json:"difficulty,omitempty"`
}

// BatchStatus summarizes how a generation run ended.
type BatchStatus string

const (
	BatchCompleted           BatchStatus = "completed"
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchCanceled            BatchStatus = "canceled"
)

// ItemError is a failure scoped to one unit of work inside a larger run.
type ItemError struct {
	Scope   string `json:"scope"` // "chunk", "candidate", or "batch"
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// QuestionBatchResult is the outcome of one generation run.
type QuestionBatchResult struct {
	DocumentID string      `json:"document_id"`
	Requested  int         `json:"requested"`
	Approved   []*Question `json:"approved"`
	Rejected   []*Question `json:"rejected,omitempty"`
	Errors     []ItemError `json:"errors,omitempty"`
	Status     BatchStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`

	// degraded marks a run whose rejections came from transient model or
	// evaluation failures. Never serialized, so a cached result is never
	// degraded.
	degraded bool
}

package quickquiz

import (
	"strings"
	"sync"
	"unicode"
)

// DedupResult represents the outcome of a duplicate check.
type DedupResult struct {
	IsDuplicate bool    `json:"is_duplicate"`
	DuplicateID string  `json:"duplicate_id,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// QuestionDeduper collapses candidates with near-identical stems. Two
// stems are duplicates when their normalized forms are equal or their
// token overlap meets the threshold. The deduper remembers every kept stem
// for the life of a generation run, so later batches are checked against
// earlier ones too.
type QuestionDeduper struct {
	mu        sync.Mutex
	seen      []dedupEntry
	threshold float64
}

type dedupEntry struct {
	questionID string
	normalized string
	tokens     []string
}

// NewQuestionDeduper creates a deduper. A non-positive threshold falls
// back to 0.80.
func NewQuestionDeduper(threshold float64) *QuestionDeduper {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.80
	}
	return &QuestionDeduper{threshold: threshold}
}

// Check reports whether the question's stem duplicates a previously
// recorded one.
func (qd *QuestionDeduper) Check(q *Question) DedupResult {
	tokens := normalizeStem(q.Stem)
	normalized := strings.Join(tokens, " ")

	qd.mu.Lock()
	defer qd.mu.Unlock()

	best := DedupResult{}
	for _, entry := range qd.seen {
		if entry.normalized == normalized {
			return DedupResult{IsDuplicate: true, DuplicateID: entry.questionID, Similarity: 1}
		}
		sim := jaccard(tokens, entry.tokens)
		if sim >= qd.threshold && sim > best.Similarity {
			best = DedupResult{IsDuplicate: true, DuplicateID: entry.questionID, Similarity: sim}
		}
	}
	return best
}

// Record remembers a kept question's stem for later checks.
func (qd *QuestionDeduper) Record(q *Question) {
	tokens := normalizeStem(q.Stem)
	qd.mu.Lock()
	defer qd.mu.Unlock()
	qd.seen = append(qd.seen, dedupEntry{
		questionID: q.ID,
		normalized: strings.Join(tokens, " "),
		tokens:     tokens,
	})
}

// Reset clears the remembered stems at the start of a new run.
func (qd *QuestionDeduper) Reset() {
	qd.mu.Lock()
	defer qd.mu.Unlock()
	qd.seen = nil
}

// normalizeStem lowercases a stem and strips everything but letters,
// digits, and spaces, returning the resulting tokens.
func normalizeStem(stem string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(stem) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// jaccard computes set overlap between two token lists.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	common := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			common++
		}
	}
	union := len(setA) + len(setB) - common
	if union == 0 {
		return 0
	}
	return float64(common) / float64(union)
}

package quickquiz

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// ChunkMatch is one retrieval hit from the vector index.
type ChunkMatch struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

// VectorIndex is an in-process cosine similarity index over chunk vectors.
// It is safe for concurrent use.
type VectorIndex struct {
	mu      sync.RWMutex
	entries []indexEntry
	byID    map[string]int
}

type indexEntry struct {
	chunkID    string
	documentID string
	ordinal    int
	text       string
	vec        []float32
}

// NewVectorIndex creates an empty index.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{byID: make(map[string]int)}
}

// Upsert stores the chunk's embedding, replacing any previous entry for
// the same chunk id.
func (ix *VectorIndex) Upsert(chunk Chunk) error {
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("chunk %s has no embedding", chunk.ID)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry := indexEntry{
		chunkID:    chunk.ID,
		documentID: chunk.DocumentID,
		ordinal:    chunk.Ordinal,
		text:       chunk.Text,
		vec:        chunk.Embedding,
	}
	if i, ok := ix.byID[chunk.ID]; ok {
		ix.entries[i] = entry
		return nil
	}
	ix.byID[chunk.ID] = len(ix.entries)
	ix.entries = append(ix.entries, entry)
	return nil
}

// QueryNearest returns the top k chunks by cosine similarity to vec,
// optionally scoped to one document (empty documentID searches all). Ties
// prefer the lower ordinal so earlier-appearing content wins.
func (ix *VectorIndex) QueryNearest(vec []float32, k int, documentID string) []ChunkMatch {
	if k <= 0 || len(vec) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matches := make([]ChunkMatch, 0, len(ix.entries))
	for _, e := range ix.entries {
		if documentID != "" && e.documentID != documentID {
			continue
		}
		if len(e.vec) != len(vec) {
			continue
		}
		matches = append(matches, ChunkMatch{
			ChunkID:    e.chunkID,
			DocumentID: e.documentID,
			Ordinal:    e.ordinal,
			Score:      CosineSimilarity(vec, e.vec),
			Text:       e.text,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Ordinal < matches[j].Ordinal
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// RemoveDocument drops every entry belonging to a document.
func (ix *VectorIndex) RemoveDocument(documentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	kept := ix.entries[:0]
	for _, e := range ix.entries {
		if e.documentID != documentID {
			kept = append(kept, e)
		}
	}
	ix.entries = kept
	ix.byID = make(map[string]int, len(ix.entries))
	for i, e := range ix.entries {
		ix.byID[e.chunkID] = i
	}
}

// Len returns the number of indexed chunks.
func (ix *VectorIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// HasDocument reports whether any entry belongs to the document.
func (ix *VectorIndex) HasDocument(documentID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, e := range ix.entries {
		if e.documentID == documentID {
			return true
		}
	}
	return false
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

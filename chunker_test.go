package quickquiz

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSemanticKeepsBlocksWhole(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 60, OverlapTokens: 12}, nil)

	heading := "Laws of Motion"
	p1 := "An object at rest stays at rest and an object in motion stays in motion unless acted upon by an external force. This tendency of matter to resist changes is called inertia."
	p2 := "The net force on a body equals the rate of change of its momentum. For constant mass this reduces to the familiar statement that force equals mass times acceleration."
	p3 := "For every action there is an equal and opposite reaction. When one body exerts a force on a second body, the second body exerts a force of equal magnitude in the opposite direction."
	text := strings.Join([]string{heading, p1, p2, p3}, "\n\n")

	chunks, err := c.Chunk("doc-1", text)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, heading+"\n\n"+p1, chunks[0].Text)
	assert.Equal(t, p2, chunks[1].Text)
	assert.Equal(t, p3, chunks[2].Text)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, "doc-1", ch.DocumentID)
		assert.NotEmpty(t, ch.ID)
		assert.Equal(t, TagParagraph, ch.Tag)
		assert.Equal(t, estimateTokens(ch.Text), ch.TokenCount)
		assert.InDelta(t, 1.0, ch.Quality, 1e-9)
	}

	// each paragraph lands in exactly one chunk, never split across two
	for _, para := range []string{p1, p2, p3} {
		holders := 0
		for _, ch := range chunks {
			if strings.Contains(ch.Text, para) {
				holders++
			}
		}
		assert.Equal(t, 1, holders)
	}
}

func TestChunkDeterministicBoundaries(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 60, OverlapTokens: 12}, nil)
	text := "First Topic\n\nThe opening paragraph explains the subject in enough words to form a chunk of its own under a small target size.\n\nThe second paragraph continues with different material so the chunker has to draw at least one boundary somewhere in between."

	first, err := c.Chunk("doc-a", text)
	require.NoError(t, err)
	second, err := c.Chunk("doc-b", text)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	seen := make(map[string]bool)
	for i := range first {
		assert.Equal(t, first[i].Text, second[i].Text)
		assert.Equal(t, first[i].Tag, second[i].Tag)
		assert.Equal(t, first[i].TokenCount, second[i].TokenCount)
		assert.Equal(t, first[i].Ordinal, second[i].Ordinal)
		assert.NotEqual(t, first[i].ID, second[i].ID)
		assert.False(t, seen[first[i].ID])
		seen[first[i].ID] = true
	}
}

func TestChunkSlidingOverlapsOnSentences(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 50, OverlapTokens: 15}, nil)

	var sentences []string
	for i := 1; i <= 8; i++ {
		sentences = append(sentences, fmt.Sprintf("Topic sentence number %02d fills its window slot nicely.", i))
	}
	text := strings.Join(sentences, " ")

	chunks, err := c.Chunk("doc-1", text)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.LessOrEqual(t, ch.TokenCount, 50)
	}

	// every window after the first starts with the previous window's last
	// sentence
	for i := 1; i < len(chunks); i++ {
		firstSentence := chunks[i].Text[:strings.Index(chunks[i].Text, ".")+1]
		assert.True(t, strings.HasSuffix(chunks[i-1].Text, firstSentence),
			"chunk %d does not end with the next chunk's opening sentence", i-1)
	}

	// windowing drops nothing
	for _, s := range sentences {
		found := false
		for _, ch := range chunks {
			if strings.Contains(ch.Text, s) {
				found = true
				break
			}
		}
		assert.True(t, found, "missing sentence: %s", s)
	}
}

func TestChunkEmptyText(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 50}, nil)

	_, err := c.Chunk("doc-1", "")
	assert.ErrorIs(t, err, ErrInsufficientContent)

	_, err = c.Chunk("doc-1", "   \n\t  ")
	assert.ErrorIs(t, err, ErrInsufficientContent)
}

func TestChunkShortTextSingleChunk(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 50, OverlapTokens: 10}, nil)
	text := "Newton's second law states that force equals mass times acceleration. It was published in 1687."

	chunks, err := c.Chunk("doc-1", text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, TagParagraph, chunks[0].Tag)
	assert.GreaterOrEqual(t, chunks[0].Quality, 0.35)
}

func TestChunkMergesLowQualityFragment(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 50, OverlapTokens: 10, QualityFloor: 0.5}, nil)

	p1 := "Isaac Newton formulated the three laws of motion in his Principia Mathematica, laying the foundation for classical mechanics and explaining how bodies respond to forces acting upon them."
	junk := "click here to subscribe now\nsign up for more"
	p2 := "Each law builds on precise definitions of force, mass, and momentum that remain central to physics education today, from introductory courses to advanced theoretical treatments of motion."
	text := p1 + "\n\n" + junk + "\n\n" + p2

	chunks, err := c.Chunk("doc-1", text)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// the navigation residue never survives as its own chunk
	assert.Contains(t, chunks[0].Text, p1)
	assert.Contains(t, chunks[0].Text, "click here")
	assert.Equal(t, p2, chunks[1].Text)
}

func TestChunkDiscardsUnsalvageableText(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 50, OverlapTokens: 10, QualityFloor: 0.5}, nil)

	_, err := c.Chunk("doc-1", "click here to subscribe now\nsign up for more")
	assert.ErrorIs(t, err, ErrInsufficientContent)
}

func TestClassifyBlock(t *testing.T) {
	tests := []struct {
		name  string
		block string
		want  ChunkTag
	}{
		{"short heading", "Chapter One", TagTitle},
		{"bulleted list", "- first item\n- second item\n- third item", TagList},
		{"numbered list", "1. gather data\n2. fit model", TagList},
		{"fenced code", "```\nfunc main() {}\n```", TagCode},
		{"indented code", "    x := 1\n    y := 2", TagCode},
		{"terminal sentence", "A short line that ends with a period.", TagParagraph},
		{"long single line", "One two three four five six seven eight nine ten eleven twelve thirteen", TagParagraph},
		{"multi line prose", "First line of prose\nsecond line of prose", TagParagraph},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyBlock(tt.block))
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 2, estimateTokens("eight ch"))
	assert.Equal(t, 2, estimateTokens("héllo wörld"))
}

func TestNewChunkerDefaults(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: -5, OverlapTokens: -1, QualityFloor: -2}, nil)
	assert.Equal(t, 1000, c.cfg.TargetTokens)
	assert.Equal(t, 0, c.cfg.OverlapTokens)
	assert.InDelta(t, 0.35, c.cfg.QualityFloor, 1e-9)

	// overlap larger than the target falls back to a fifth of it
	c = NewChunker(ChunkerConfig{TargetTokens: 100, OverlapTokens: 500}, nil)
	assert.Equal(t, 20, c.cfg.OverlapTokens)
}

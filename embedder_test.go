package quickquiz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedChunks(n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{
			ID:         fmt.Sprintf("chunk-%d", i),
			DocumentID: "doc-1",
			Ordinal:    i,
			Text:       fmt.Sprintf("chunk %d talks about subject %d", i, i),
			TokenCount: 8,
			Tag:        TagParagraph,
			Quality:    0.9,
		}
	}
	return chunks
}

func TestEmbedChunksAssignsVectorsInOrder(t *testing.T) {
	stub := &stubEmbeddings{}
	e := NewEmbedder(stub, testConfig(t), nil)

	chunks := embedChunks(10)
	res, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Embedded)
	assert.Empty(t, res.Failed)
	// batch size 4 over 10 chunks
	assert.Equal(t, 3, stub.callCount())

	for i := range chunks {
		assert.Equal(t, testVector(chunks[i].Text), chunks[i].Embedding, "chunk %d", i)
	}
}

func TestEmbedChunksEmptyInput(t *testing.T) {
	stub := &stubEmbeddings{}
	e := NewEmbedder(stub, testConfig(t), nil)

	res, err := e.EmbedChunks(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Embedded)
	assert.Zero(t, stub.callCount())
}

func TestEmbedChunksRetriesTransientFailures(t *testing.T) {
	stub := &stubEmbeddings{
		fail: func(call int, texts []string) error {
			if call <= 2 {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	cfg := testConfig(t)
	cfg.EmbedBatchSize = 10
	e := NewEmbedder(stub, cfg, nil)

	chunks := embedChunks(6)
	res, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Embedded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, stub.callCount())
}

func TestEmbedChunksIsolatesFailedBatch(t *testing.T) {
	chunks := embedChunks(8)
	stub := &stubEmbeddings{
		fail: func(call int, texts []string) error {
			if texts[0] == chunks[0].Text {
				return errors.New("persistent outage")
			}
			return nil
		},
	}
	e := NewEmbedder(stub, testConfig(t), nil)

	res, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Embedded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, []int{0, 1, 2, 3}, res.Failed[0].Ordinals)
	assert.Contains(t, res.Failed[0].Message, "embedding service unavailable")

	for i := 0; i < 4; i++ {
		assert.Nil(t, chunks[i].Embedding, "chunk %d", i)
	}
	for i := 4; i < 8; i++ {
		assert.NotNil(t, chunks[i].Embedding, "chunk %d", i)
	}
	// the failed batch burned its full retry budget, the other succeeded once
	assert.Equal(t, 4, stub.callCount())
}

func TestEmbedChunksReassemblesByIndex(t *testing.T) {
	stub := &stubEmbeddings{
		respond: func(texts []string) openai.EmbeddingResponse {
			data := make([]openai.Embedding, len(texts))
			for i := range texts {
				j := len(texts) - 1 - i
				data[i] = openai.Embedding{Index: j, Embedding: testVector(texts[j])}
			}
			return openai.EmbeddingResponse{Data: data}
		},
	}
	e := NewEmbedder(stub, testConfig(t), nil)

	chunks := embedChunks(4)
	res, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Embedded)

	for i := range chunks {
		assert.Equal(t, testVector(chunks[i].Text), chunks[i].Embedding, "chunk %d", i)
	}
}

func TestEmbedChunksRejectsCountMismatch(t *testing.T) {
	stub := &stubEmbeddings{
		respond: func(texts []string) openai.EmbeddingResponse {
			return openai.EmbeddingResponse{
				Data: []openai.Embedding{{Index: 0, Embedding: testVector(texts[0])}},
			}
		},
	}
	e := NewEmbedder(stub, testConfig(t), nil)

	chunks := embedChunks(4)
	res, err := e.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Zero(t, res.Embedded)
	require.Len(t, res.Failed, 1)
	assert.True(t, strings.Contains(res.Failed[0].Message, "4 inputs"))
}

func TestEmbedChunksCanceled(t *testing.T) {
	stub := &stubEmbeddings{}
	e := NewEmbedder(stub, testConfig(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.EmbedChunks(ctx, embedChunks(4))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbedQuery(t *testing.T) {
	stub := &stubEmbeddings{
		fail: func(call int, texts []string) error {
			if call == 1 {
				return errors.New("blip")
			}
			return nil
		},
	}
	e := NewEmbedder(stub, testConfig(t), nil)

	vec, err := e.EmbedQuery(context.Background(), "laws of motion")
	require.NoError(t, err)
	assert.Equal(t, testVector("laws of motion"), vec)
	assert.Equal(t, 2, stub.callCount())
}

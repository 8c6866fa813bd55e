package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedLines(n, width int) []string {
	lines := make([]string, n)
	for i := range lines {
		prefix := fmt.Sprintf("L%02d ", i+1)
		lines[i] = prefix + strings.Repeat("x", width-len(prefix))
	}
	return lines
}

func TestChunk_OverlapCarriesTrailingLines(t *testing.T) {
	lines := numberedLines(10, 150)
	chunks := Chunk(strings.Join(lines, "\n"), 1000, 200)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Join(lines[:6], "\n"), chunks[0])
	assert.Equal(t, strings.Join(lines[5:], "\n"), chunks[1])
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 1000)
	}
}

func TestChunk_LongLinesWithoutOverlap(t *testing.T) {
	lines := numberedLines(5, 300)
	chunks := Chunk(strings.Join(lines, "\n"), 1000, 200)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Join(lines[:3], "\n"), chunks[0])
	assert.Equal(t, strings.Join(lines[3:], "\n"), chunks[1])
}

func TestChunk_EdgeCases(t *testing.T) {
	assert.Empty(t, Chunk("", 1000, 200))
	assert.Empty(t, Chunk("\n\n  \n", 1000, 200))
	assert.Equal(t, []string{"short"}, Chunk("short", 1000, 200))

	huge := strings.Repeat("y", 2500)
	assert.Equal(t, []string{"a", huge, "b"}, Chunk("a\n"+huge+"\nb", 1000, 0))
}

func TestHashEmbedder(t *testing.T) {
	emb := HashEmbedder{Dim: 64}
	vecs, err := emb.Embed(context.Background(), []string{"Invoice total", "invoice TOTAL!", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[1])
	assert.InDelta(t, 1.0, cosine(vecs[0], vecs[1]), 1e-6)
	assert.Zero(t, cosine(vecs[0], vecs[2]))
}

func TestIndex_SearchRanksBySimilarity(t *testing.T) {
	passages := []string{
		"The cafeteria opens at eight and serves coffee.",
		"Quarterly revenue grew twelve percent driven by cloud sales.",
		"Parking badges are renewed every January.",
		"Cloud revenue and sales forecasts for the next quarter.",
	}
	ix, err := NewIndex(context.Background(), HashEmbedder{}, passages)
	require.NoError(t, err)
	assert.Equal(t, 4, ix.Len())

	got, err := ix.Search(context.Background(), "cloud revenue sales", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{passages[1], passages[3]}, got)

	got, err = ix.Search(context.Background(), "anything", 10)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestIndex_Empty(t *testing.T) {
	ix, err := NewIndex(context.Background(), HashEmbedder{}, nil)
	require.NoError(t, err)
	got, err := ix.Search(context.Background(), "q", DefaultTopK)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetriever_Retrieve(t *testing.T) {
	text := "Alpha team owns billing.\nBeta team owns search.\nGamma team owns the mobile app."
	r := NewRetriever(nil)
	got, err := r.Retrieve(context.Background(), text, "who owns billing", DefaultTopK)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, text, got[0])
}

func TestOpenAIEmbedder(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "emb-key", r.Header.Get("api-key"))
		w.Header().Set("Content-Type", "application/json")
		// Out of order on purpose; Index decides placement.
		_, _ = io.WriteString(w, `{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		],"model":"ada","usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	emb, err := NewOpenAIEmbedder(OpenAIConfig{
		APIKey:   "emb-key",
		Endpoint: srv.URL + "/openai/deployments/ada-002/embeddings",
	})
	require.NoError(t, err)

	vecs, err := emb.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, "/openai/deployments/ada-002/embeddings", path)

	_, err = NewOpenAIEmbedder(OpenAIConfig{})
	assert.Error(t, err)
}

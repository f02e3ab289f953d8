package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalresearch-backend/models"
	"legalresearch-backend/provider"
)

func newTestWebSearch(t *testing.T, handler http.HandlerFunc, keys ...string) (*WebSearch, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ws := NewWebSearch(WebSearchConfig{
		Endpoint:      srv.URL,
		Keys:          provider.NewKeyRotator(keys...),
		Policy:        provider.Policy{Attempts: 2, Timeout: 2 * time.Second},
		RatePerSecond: 100,
		Burst:         10,
		HTTPClient:    srv.Client(),
	}, nil)
	return ws, srv
}

func TestWebSearchParsesResults(t *testing.T) {
	var got webSearchRequest
	ws, _ := newTestWebSearch(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(webSearchResponse{Results: []webSearchResult{
			{Title: " Zuva v Don Nyamande ", URL: "https://zimlii.org/zw/judgment/2015/43", RawContent: "In [2015] ZWSC 43 the court held...", Score: 0.9},
			{Title: "HTML page", URL: "https://example.org/labour", RawContent: "<html><body><nav>menu</nav><p>Section 12 of the Labour Act</p><script>x()</script></body></html>", Score: 0.5},
			{Title: "No url", Content: "dropped"},
		}})
	}, "key-1")

	docs, err := ws.Search(context.Background(), "zuva notice termination", Options{MaxResults: 3, Jurisdiction: "Zimbabwe"})
	require.NoError(t, err)

	assert.Equal(t, "zuva notice termination Zimbabwe", got.Query)
	assert.Equal(t, 3, got.MaxResults)
	assert.True(t, got.IncludeRawContent)

	require.Len(t, docs, 2)
	assert.Equal(t, "Zuva v Don Nyamande", docs[0].Title)
	assert.Equal(t, models.SourceWebSearch, docs[0].SourceKind)
	assert.Equal(t, models.SourceIdentity("https://zimlii.org/zw/judgment/2015/43"), docs[0].SourceID)
	assert.Equal(t, "Section 12 of the Labour Act", docs[1].RawContent)
}

func TestWebSearchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ws, _ := newTestWebSearch(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, "k")

	_, err := ws.Search(context.Background(), "q", Options{})
	require.Error(t, err)

	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadGateway, pe.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebSearchDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	ws, _ := newTestWebSearch(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, "k")

	_, err := ws.Search(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebSearchWithoutKeys(t *testing.T) {
	ws, _ := newTestWebSearch(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := ws.Search(context.Background(), "q", Options{})
	assert.ErrorIs(t, err, provider.ErrNoCredentials)
}

func TestHTMLToText(t *testing.T) {
	text, err := HTMLToText(`<html><head><style>p{}</style></head><body><header>Site</header>
		<h1>Labour Act</h1><p>An employer may   terminate on notice.</p><footer>(c)</footer></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Labour Act\n\nAn employer may terminate on notice.", text)

	_, err = HTMLToText("<html><body><script>only()</script></body></html>")
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 0.5, -1}, nil
}

type fakeChunks struct {
	jurisdiction string
	limit        int
	chunks       []models.LegalChunk
	err          error
}

func (f *fakeChunks) SearchSimilar(ctx context.Context, embedding []float32, jurisdiction string, limit int) ([]models.LegalChunk, error) {
	f.jurisdiction, f.limit = jurisdiction, limit
	return f.chunks, f.err
}

func TestLegalDBSearch(t *testing.T) {
	citation := "[2015] ZWSC 43"
	chunks := &fakeChunks{chunks: []models.LegalChunk{{
		ID:             uuid.MustParse("7d1f1c1e-3c1a-4d55-9f55-0a0a0a0a0a0a"),
		Text:           "Common law right to terminate on notice.",
		SourceDocument: "zuva-v-nyamande",
		ChunkIndex:     4,
		Title:          "Zuva Petroleum v Nyamande",
		Citation:       &citation,
		Distance:       0.4,
	}}}
	s := NewLegalDBSearch(&fakeEmbedder{}, chunks, provider.Policy{Attempts: 1, Timeout: time.Second})

	docs, err := s.Search(context.Background(), "termination on notice", Options{MaxResults: 2, Jurisdiction: "Zimbabwe"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "Zimbabwe", chunks.jurisdiction)
	assert.Equal(t, 2, chunks.limit)
	assert.Equal(t, "internal://legal-db/zuva-v-nyamande#4", docs[0].URL)
	assert.Equal(t, "Zuva Petroleum v Nyamande [2015] ZWSC 43", docs[0].Title)
	assert.Equal(t, models.SourceInternalLegalDB, docs[0].SourceKind)
	assert.InDelta(t, 0.8, docs[0].RelevanceScore, 1e-9)
}

func TestLegalDBSearchErrors(t *testing.T) {
	s := NewLegalDBSearch(&fakeEmbedder{err: provider.NewError("gemini", "embed", 0, provider.ErrNoCredentials)}, &fakeChunks{}, provider.Policy{Attempts: 1})
	_, err := s.Search(context.Background(), "q", Options{})
	assert.ErrorIs(t, err, provider.ErrNoCredentials)

	s = NewLegalDBSearch(&fakeEmbedder{}, &fakeChunks{err: errors.New("pool closed")}, provider.Policy{Attempts: 1})
	_, err = s.Search(context.Background(), "q", Options{})
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "legal_db", pe.Provider)
}

type mapStore struct {
	data   map[string][]byte
	getErr error
}

func (m *mapStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *mapStore) Set(ctx context.Context, key string, value []byte) error {
	m.data[key] = value
	return nil
}

func TestCachedEmbedder(t *testing.T) {
	inner := &fakeEmbedder{}
	store := &mapStore{data: map[string][]byte{}}
	c := NewCachedEmbedder(inner, store, "text-embedding-004", nil)

	first, err := c.Embed(context.Background(), "notice")
	require.NoError(t, err)
	second, err := c.Embed(context.Background(), "notice")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Len(t, store.data, 1)
}

func TestCachedEmbedderStoreFailureFallsThrough(t *testing.T) {
	inner := &fakeEmbedder{}
	c := NewCachedEmbedder(inner, &mapStore{data: map[string][]byte{}, getErr: errors.New("redis down")}, "m", nil)

	_, err := c.Embed(context.Background(), "a")
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCacheKeyNamespacedByModel(t *testing.T) {
	a := NewCachedEmbedder(nil, nil, "m1", nil)
	b := NewCachedEmbedder(nil, nil, "m2", nil)
	assert.NotEqual(t, a.cacheKey("x"), b.cacheKey("x"))
	assert.Equal(t, a.cacheKey("x"), a.cacheKey("x"))
}

func TestVectorBytesRoundTrip(t *testing.T) {
	v := []float32{0.25, -3, 1e-7}
	got, err := bytesToVector(vectorToBytes(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = bytesToVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

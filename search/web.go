package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"legalresearch-backend/metrics"
	"legalresearch-backend/models"
	"legalresearch-backend/provider"
)

const webSearchName = "web"

// WebSearchConfig configures the web search client.
type WebSearchConfig struct {
	Endpoint      string
	Keys          *provider.KeyRotator
	Policy        provider.Policy
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
}

// WebSearch queries a JSON web search API that returns page content along
// with each hit.
type WebSearch struct {
	endpoint string
	keys     *provider.KeyRotator
	policy   provider.Policy
	limiter  *rate.Limiter
	client   *http.Client
	logger   *zap.Logger
}

// NewWebSearch creates a web search gateway.
func NewWebSearch(cfg WebSearchConfig, logger *zap.Logger) *WebSearch {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSearch{
		endpoint: cfg.Endpoint,
		keys:     cfg.Keys,
		policy:   cfg.Policy.WithDefaults(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		client:   cfg.HTTPClient,
		logger:   logger,
	}
}

// Name implements Gateway.
func (w *WebSearch) Name() string { return webSearchName }

// Kind implements Gateway.
func (w *WebSearch) Kind() models.SourceKind { return models.SourceWebSearch }

type webSearchRequest struct {
	Query             string   `json:"query"`
	MaxResults        int      `json:"max_results"`
	SearchDepth       string   `json:"search_depth"`
	IncludeRawContent bool     `json:"include_raw_content"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
}

type webSearchResult struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Content    string  `json:"content"`
	RawContent string  `json:"raw_content"`
	Score      float64 `json:"score"`
}

type webSearchResponse struct {
	Results []webSearchResult `json:"results"`
}

// Search implements Gateway.
func (w *WebSearch) Search(ctx context.Context, query string, opts Options) ([]models.RetrievedDocument, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	q := query
	if opts.Jurisdiction != "" && !strings.Contains(strings.ToLower(q), strings.ToLower(opts.Jurisdiction)) {
		q = q + " " + opts.Jurisdiction
	}
	body, err := json.Marshal(webSearchRequest{
		Query:             q,
		MaxResults:        opts.MaxResults,
		SearchDepth:       "advanced",
		IncludeRawContent: true,
		IncludeDomains:    opts.SourceFilter,
	})
	if err != nil {
		return nil, provider.NewError(webSearchName, "search", 0, err)
	}

	resp, err := provider.Call(ctx, w.policy, func(ctx context.Context) (*webSearchResponse, error) {
		return w.do(ctx, body)
	})
	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues(webSearchName, "error").Inc()
		return nil, provider.AsProviderError(webSearchName, "search", err)
	}
	metrics.SearchRequestsTotal.WithLabelValues(webSearchName, "success").Inc()

	docs := make([]models.RetrievedDocument, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		content := r.RawContent
		if strings.TrimSpace(content) == "" {
			content = r.Content
		}
		docs = append(docs, models.RetrievedDocument{
			SourceID:       models.SourceIdentity(r.URL),
			Title:          strings.TrimSpace(r.Title),
			URL:            r.URL,
			RawContent:     w.cleanContent(content),
			RelevanceScore: r.Score,
			SourceKind:     models.SourceWebSearch,
		})
	}
	return docs, nil
}

func (w *WebSearch) do(ctx context.Context, body []byte) (*webSearchResponse, error) {
	key := w.keys.Next()
	if key == "" {
		return nil, provider.NewError(webSearchName, "search", 0, provider.ErrNoCredentials)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, provider.NewError(webSearchName, "search", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(webSearchName, "search", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	res, err := w.client.Do(req)
	if err != nil {
		return nil, provider.NewError(webSearchName, "search", 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, provider.NewError(webSearchName, "search", res.StatusCode,
			fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(msg))))
	}

	var out webSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, provider.NewError(webSearchName, "search", res.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

func (w *WebSearch) cleanContent(content string) string {
	if !looksLikeHTML(content) {
		return strings.TrimSpace(content)
	}
	text, err := HTMLToText(content)
	if err != nil {
		w.logger.Debug("HTML cleanup failed, keeping raw content", zap.Error(err))
		return strings.TrimSpace(content)
	}
	return text
}

var htmlTagRe = regexp.MustCompile(`(?i)<(html|body|div|p|article|section|span|table)[\s>]`)

func looksLikeHTML(s string) bool {
	return htmlTagRe.MatchString(s)
}

var (
	blankRunRe = regexp.MustCompile(`[ \t]+`)
	newlineRe  = regexp.MustCompile(`\n{3,}`)
)

// ErrEmptyDocument is returned when HTML has no readable text.
var ErrEmptyDocument = errors.New("document has no readable text")

// HTMLToText strips page chrome and returns the readable text of an HTML page.
func HTMLToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script,style,noscript,nav,footer,header,aside,form").Remove()

	var parts []string
	doc.Find("h1,h2,h3,h4,p,li,blockquote,td").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p,li").Length() > 0 {
			return
		}
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	text := strings.Join(parts, "\n\n")
	if text == "" {
		text = strings.TrimSpace(doc.Text())
	}
	text = blankRunRe.ReplaceAllString(text, " ")
	text = newlineRe.ReplaceAllString(text, "\n\n")
	if text == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

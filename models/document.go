package models

import (
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SourceKind identifies where a retrieved document came from
type SourceKind string

const (
	SourceWebSearch       SourceKind = "webSearch"
	SourceInternalLegalDB SourceKind = "internalLegalDb"
)

// InternalScheme is the pseudo-scheme used for non-web sources
const InternalScheme = "internal"

// RetrievedDocument is a search hit. It is never modified after retrieval.
type RetrievedDocument struct {
	SourceID       string     `json:"source_id"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	RawContent     string     `json:"raw_content"`
	RelevanceScore float64    `json:"relevance_score"`
	SourceKind     SourceKind `json:"source_kind"`
}

// Identity returns the deduplication key of the document
func (d RetrievedDocument) Identity() string {
	if d.URL != "" {
		return NormalizeURL(d.URL)
	}
	return string(d.SourceKind) + ":" + d.SourceID
}

// IsInternalURL reports whether u uses the internal pseudo-scheme
func IsInternalURL(u string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(u)), InternalScheme+"://")
}

// NormalizeURL lowercases scheme and host, drops fragments on web URLs and
// trailing slashes so that the same page found by two searches compares equal
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if IsInternalURL(raw) {
		return strings.ToLower(raw[:len(InternalScheme)]) + raw[len(InternalScheme):]
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// SourceIdentity derives a stable source ID from a URL
func SourceIdentity(rawURL string) string {
	sum := blake2b.Sum256([]byte(NormalizeURL(rawURL)))
	return "src_" + hex.EncodeToString(sum[:8])
}

// ContentSection is one source's share of the accumulated research content.
// Sections keep their source URL through summarization.
type ContentSection struct {
	SourceID   string `json:"source_id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Text       string `json:"text"`
	Summarized bool   `json:"summarized,omitempty"`
}

// SectionsFromDocuments turns retrieved documents into content sections
func SectionsFromDocuments(docs []RetrievedDocument) []ContentSection {
	sections := make([]ContentSection, 0, len(docs))
	for _, d := range docs {
		sections = append(sections, ContentSection{
			SourceID: d.SourceID,
			Title:    d.Title,
			URL:      d.URL,
			Text:     d.RawContent,
		})
	}
	return sections
}

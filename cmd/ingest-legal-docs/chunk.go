package main

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"legalresearch-backend/models"
	"legalresearch-backend/pipeline"
	"legalresearch-backend/search"
)

// Source types stored in legal_chunks.source_type.
const (
	sourceJudgment   = "judgment"
	sourceStatute    = "statute"
	sourceCommentary = "commentary"
)

// chunkOptions bounds chunk size in words.
type chunkOptions struct {
	MaxWords     int
	OverlapWords int
}

func (o chunkOptions) withDefaults() chunkOptions {
	if o.MaxWords <= 0 {
		o.MaxWords = 400
	}
	if o.OverlapWords < 0 || o.OverlapWords >= o.MaxWords {
		o.OverlapWords = o.MaxWords / 8
	}
	return o
}

var (
	courtPattern     = regexp.MustCompile(`(?i)\b(supreme court|high court|labour court|constitutional court|court of appeal|administrative court)\b`)
	paragraphPattern = regexp.MustCompile(`\n\s*\n`)
)

// determineDocumentType classifies a document by filename, then by content.
func determineDocumentType(filename, content string) string {
	filenameLower := strings.ToLower(filename)
	contentLower := strings.ToLower(content)

	switch {
	case strings.Contains(filenameLower, "act") || strings.Contains(filenameLower, "statute") ||
		strings.Contains(filenameLower, "regulation") || strings.Contains(filenameLower, "chapter"):
		return sourceStatute
	case strings.Contains(filenameLower, "judgment") || strings.Contains(filenameLower, "case") ||
		strings.Contains(filenameLower, " v "):
		return sourceJudgment
	}

	// Fallback: analyze content
	if len(pipeline.ExtractCitations(content)) > 0 || courtPattern.MatchString(content) {
		return sourceJudgment
	}
	if strings.Contains(contentLower, "be it enacted") || strings.Contains(contentLower, "short title") {
		return sourceStatute
	}
	return sourceCommentary
}

// documentText returns the readable text of a file, stripping HTML pages.
func documentText(filename string, raw []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm":
		return search.HTMLToText(string(raw))
	}
	return strings.TrimSpace(string(raw)), nil
}

// documentTitle is the filename without extension, underscores as spaces.
func documentTitle(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}

// splitChunks splits text into word windows that prefer paragraph boundaries.
// Consecutive chunks share OverlapWords words.
func splitChunks(text string, opts chunkOptions) []string {
	opts = opts.withDefaults()

	var paragraphs [][]string
	for _, p := range paragraphPattern.Split(text, -1) {
		if words := strings.Fields(p); len(words) > 0 {
			paragraphs = append(paragraphs, words)
		}
	}

	var (
		chunks  []string
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(current, " "))
		if opts.OverlapWords > 0 && len(current) > opts.OverlapWords {
			current = append([]string(nil), current[len(current)-opts.OverlapWords:]...)
		} else {
			current = nil
		}
	}

	for _, words := range paragraphs {
		if len(current)+len(words) > opts.MaxWords && len(current) > opts.OverlapWords {
			flush()
		}
		for len(words) > 0 {
			room := opts.MaxWords - len(current)
			if room >= len(words) {
				current = append(current, words...)
				break
			}
			current = append(current, words[:room]...)
			words = words[room:]
			flush()
		}
	}
	// a trailing window that is only overlap adds nothing new
	if len(current) > 0 && (len(chunks) == 0 || len(current) > opts.OverlapWords) {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// buildChunks turns a document into chunks ready for embedding.
func buildChunks(filename, text, jurisdiction string, opts chunkOptions) []*models.LegalChunk {
	docType := determineDocumentType(filename, text)
	title := documentTitle(filename)

	citation := formalCitation(text)
	var court *string
	if m := courtPattern.FindString(text); m != "" && docType == sourceJudgment {
		c := titleCase(m)
		court = &c
	}

	parts := splitChunks(text, opts)
	chunks := make([]*models.LegalChunk, 0, len(parts))
	for i, p := range parts {
		chunks = append(chunks, &models.LegalChunk{
			Text:           p,
			SourceType:     docType,
			SourceDocument: filepath.Base(filename),
			ChunkIndex:     i,
			Title:          title,
			Citation:       citation,
			Court:          court,
			Jurisdiction:   jurisdiction,
			Metadata:       map[string]interface{}{"chunk_count": len(parts)},
		})
	}
	return chunks
}

// formalCitation returns the first reporter or neutral citation of text.
// Bare party names are skipped.
func formalCitation(text string) *string {
	for _, c := range pipeline.ExtractCitations(text) {
		if strings.ContainsAny(c, "0123456789") {
			return &c
		}
	}
	return nil
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if w == "of" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// buildEmbeddingInput prefixes chunk text with its document labels.
func buildEmbeddingInput(chunk *models.LegalChunk) string {
	var builder strings.Builder

	switch chunk.SourceType {
	case sourceJudgment:
		builder.WriteString(fmt.Sprintf("[JUDGMENT: %s]\n", chunk.Title))
		if chunk.Citation != nil {
			builder.WriteString(fmt.Sprintf("[CITATION: %s]\n", *chunk.Citation))
		}
		if chunk.Court != nil {
			builder.WriteString(fmt.Sprintf("[COURT: %s]\n", *chunk.Court))
		}
	case sourceStatute:
		builder.WriteString(fmt.Sprintf("[STATUTE: %s]\n", chunk.Title))
	default:
		builder.WriteString(fmt.Sprintf("[COMMENTARY: %s]\n", chunk.Title))
	}
	if chunk.Jurisdiction != "" {
		builder.WriteString(fmt.Sprintf("[JURISDICTION: %s]\n", chunk.Jurisdiction))
	}
	builder.WriteString("\n")
	builder.WriteString(chunk.Text)

	return builder.String()
}

func normalizeEmbedding(embedding []float32) {
	var sumSq float64
	for _, v := range embedding {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}

	norm := float32(math.Sqrt(sumSq))
	for i := range embedding {
		embedding[i] /= norm
	}
}

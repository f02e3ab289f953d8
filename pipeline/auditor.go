package pipeline

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"legalresearch-backend/models"
)

var auditPatterns = []*regexp.Regexp{
	// [2015] ZWSC 43
	regexp.MustCompile(`\[\d{4}\]\s+[A-Z]{2,}[A-Za-z]*\s+\d+`),
	// 1998 (2) ZLR 12, (1998) 2 ZLR 12
	regexp.MustCompile(`\b\d{4}\s*\(\d+\)\s*[A-Z]{2,}[A-Za-z]*\s+\d+`),
	regexp.MustCompile(`\(\d{4}\)\s*\d+\s*[A-Z]{2,}[A-Za-z]*\s+\d+`),
	// SC 43/15, HH 123-98
	regexp.MustCompile(`\b(?:SC|HH|HB|HMT|HMA|CCZ|CC|LC)\s*\d+\s*[-/]\s*\d{2,4}\b`),
	// Zuva Petroleum (Pvt) Ltd v Nyamande
	regexp.MustCompile(`\b[A-Z][\w.&'-]*(?:\s+(?:[A-Z][\w.&'-]*|\(Pvt\)|\(Private\)|of|and|&))*\s+(?:v|vs|versus)\.?\s+[A-Z][\w.&'-]*(?:\s+(?:[A-Z][\w.&'-]*|\(Pvt\)|\(Private\)|&))*`),
}

var leadingFiller = map[string]bool{
	"in": true, "the": true, "see": true, "as": true, "per": true, "following": true,
	"under": true, "according": true, "to": true, "while": true, "although": true,
	"both": true, "and": true, "also": true, "however": true, "thus": true, "then": true,
	"cf": true, "cf.": true, "compare": true, "e.g.": true, "where": true, "when": true,
	"is": true, "are": true, "was": true, "were": true, "does": true, "do": true, "did": true,
	"can": true, "could": true, "should": true, "would": true, "will": true, "has": true,
	"have": true, "how": true, "what": true, "why": true, "who": true, "which": true, "whether": true,
}

// trimLeadingFiller removes sentence words captured in front of a party name.
func trimLeadingFiller(s string) string {
	words := strings.Fields(s)
	for len(words) > 2 && leadingFiller[strings.ToLower(strings.TrimSuffix(words[0], ","))] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

// partyAbbrevs may carry a period inside a party name without ending the
// sentence.
var partyAbbrevs = map[string]bool{
	"ltd": true, "pvt": true, "co": true, "inc": true, "pty": true, "bros": true,
	"corp": true, "st": true, "mr": true, "mrs": true, "dr": true, "no": true,
}

// trimSentenceRunOn cuts a party-name hit at the first sentence-final period
// after the "v", so "A v B. The Act" yields "A v B".
func trimSentenceRunOn(s string) string {
	words := strings.Fields(s)
	sep := slices.IndexFunc(words, func(w string) bool {
		switch strings.ToLower(strings.TrimSuffix(w, ".")) {
		case "v", "vs", "versus":
			return true
		}
		return false
	})
	if sep < 0 {
		return strings.Join(words, " ")
	}
	for i := sep + 1; i < len(words); i++ {
		stem := strings.TrimSuffix(words[i], ".")
		if stem == words[i] || utf8.RuneCountInString(stem) <= 1 || partyAbbrevs[strings.ToLower(stem)] {
			continue
		}
		if i == len(words)-1 {
			words[i] = stem
			break
		}
		if r, _ := utf8.DecodeRuneInString(words[i+1]); unicode.IsUpper(r) {
			words[i] = stem
			return strings.Join(words[:i+1], " ")
		}
	}
	return strings.Join(words, " ")
}

// ExtractCitations returns the distinct citation-like strings of text in order
// of appearance.
func ExtractCitations(text string) []string {
	type hit struct {
		pos  int
		text string
	}
	var hits []hit
	for _, re := range auditPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			hits = append(hits, hit{loc[0], text[loc[0]:loc[1]]})
		}
	}
	// order of appearance
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	var out []string
	seen := map[string]bool{}
	for _, h := range hits {
		c := trimLeadingFiller(trimSentenceRunOn(h.text))
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// Audit checks every citation of text against the title, URL and content of
// the retrieved documents, case-insensitively. Each field is matched on its
// own. The grounding rate is 1 when the text has no citations.
func Audit(text string, docs []models.RetrievedDocument) models.AuditResult {
	haystacks := make([]string, 0, 3*len(docs))
	for _, d := range docs {
		for _, field := range []string{d.Title, d.URL, d.RawContent} {
			if h := normalizeForMatch(field); h != "" {
				haystacks = append(haystacks, h)
			}
		}
	}

	res := models.AuditResult{VerifiedCitations: []string{}, UnverifiedCitations: []string{}}
	for _, c := range ExtractCitations(text) {
		needle := normalizeForMatch(c)
		found := false
		for _, h := range haystacks {
			if strings.Contains(h, needle) {
				found = true
				break
			}
		}
		if found {
			res.VerifiedCitations = append(res.VerifiedCitations, c)
		} else {
			res.UnverifiedCitations = append(res.UnverifiedCitations, c)
		}
	}

	total := len(res.VerifiedCitations) + len(res.UnverifiedCitations)
	if total == 0 {
		res.GroundingRate = 1
	} else {
		res.GroundingRate = float64(len(res.VerifiedCitations)) / float64(total)
	}
	return res
}

func normalizeForMatch(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

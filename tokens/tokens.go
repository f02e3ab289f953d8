package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE used when no model-specific encoding is configured.
const DefaultEncoding = "cl100k_base"

// Estimator converts text into an approximate token count.
type Estimator interface {
	Count(text string) int
}

// CountAll sums the estimate over several texts.
func CountAll(e Estimator, texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Count(t)
	}
	return total
}

// Heuristic estimates tokens as one token per four characters, rounded up.
type Heuristic struct{}

// Count implements Estimator.
func (Heuristic) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenEstimator counts tokens with a real BPE encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
	mu  sync.Mutex
}

// NewTiktokenEstimator loads the named encoding or model encoding.
func NewTiktokenEstimator(name string) (*TiktokenEstimator, error) {
	if name == "" {
		name = DefaultEncoding
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding(name)
		if err != nil {
			return nil, err
		}
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Count implements Estimator.
func (t *TiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// New returns a tiktoken estimator, falling back to the heuristic when the
// encoding cannot be loaded (tiktoken fetches BPE ranks on first use).
func New(name string) Estimator {
	est, err := NewTiktokenEstimator(name)
	if err != nil {
		return Heuristic{}
	}
	return est
}

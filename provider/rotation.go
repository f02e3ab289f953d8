package provider

import (
	"strings"
	"sync"
)

// KeyRotator hands out API keys round-robin. It is safe for concurrent use
// and is passed explicitly to each provider that needs credentials.
type KeyRotator struct {
	mu   sync.Mutex
	keys []string
	next int
}

// NewKeyRotator creates a rotator over the non-empty keys.
func NewKeyRotator(keys ...string) *KeyRotator {
	clean := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		clean = append(clean, k)
	}
	return &KeyRotator{keys: clean}
}

// Next returns the next key, or "" when the rotator is empty.
func (r *KeyRotator) Next() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	k := r.keys[r.next%len(r.keys)]
	r.next = (r.next + 1) % len(r.keys)
	return k
}

// Len returns the number of keys.
func (r *KeyRotator) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

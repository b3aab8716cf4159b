// Package credential holds the bearer token used for backend requests.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrEmpty         = errors.New("invalid API key")
	ErrInvalidFormat = errors.New("invalid API key format")
)

// Holder is a thread-safe, in-memory credential. Persisting it is the host's job.
type Holder struct {
	mu     sync.RWMutex
	token  string
	prefix string
}

// NewHolder returns a holder that only accepts tokens starting with prefix.
// An empty prefix accepts any non-empty token.
func NewHolder(prefix string) *Holder {
	return &Holder{prefix: prefix}
}

// Set validates and stores token.
func (h *Holder) Set(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmpty
	}

	if !strings.HasPrefix(token, h.prefix) {
		return fmt.Errorf("%w (must start with %s)", ErrInvalidFormat, h.prefix)
	}

	h.mu.Lock()
	h.token = token
	h.mu.Unlock()

	return nil
}

// Get returns the token, or an empty string when none is configured.
func (h *Holder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.token
}

func (h *Holder) Configured() bool {
	return h.Get() != ""
}

// Masked returns a form of the token that is safe to log or display.
func (h *Holder) Masked() string {
	return Mask(h.Get())
}

// Mask keeps the first 12 and last 4 characters of long tokens, and the first 8 of short ones.
func Mask(token string) string {
	switch {
	case token == "":
		return ""
	case len(token) > 16:
		return token[:12] + "..." + token[len(token)-4:]
	case len(token) > 8:
		return token[:8] + "..."
	default:
		return token + "..."
	}
}

package intercept

import (
	"strings"
	"sync"
)

// Classifier identifies the tracked exchange among unrelated traffic. The
// pattern is a case-sensitive URL substring; it can be swapped at runtime
// when the configuration is reloaded.
type Classifier struct {
	mu      sync.RWMutex
	pattern string
}

// NewClassifier returns a classifier for the given URL pattern. An empty
// pattern matches nothing, so an unconfigured engine observes passively.
func NewClassifier(pattern string) *Classifier {
	return &Classifier{pattern: pattern}
}

// Matches reports whether url belongs to the tracked exchange.
func (c *Classifier) Matches(url string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pattern != "" && strings.Contains(url, c.pattern)
}

// SetPattern replaces the target pattern. Takes effect on the next
// classification; the currently active target is unaffected.
func (c *Classifier) SetPattern(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pattern = pattern
}

// Pattern returns the current target pattern.
func (c *Classifier) Pattern() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pattern
}

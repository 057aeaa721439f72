package utils

import (
	"fmt"
	"regexp"
	"sync"
)

// RegexCache compiles patterns once and shares them across goroutines.
type RegexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewRegexCache creates an empty cache.
func NewRegexCache() *RegexCache {
	return &RegexCache{compiled: make(map[string]*regexp.Regexp)}
}

// Get returns the compiled form of pattern, compiling it on first use.
// Invalid patterns are wrapped with ErrInvalidRule and not cached.
func (c *RegexCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: regex '%s': %w", ErrInvalidRule, pattern, err)
	}

	c.mu.Lock()
	c.compiled[pattern] = re
	c.mu.Unlock()
	return re, nil
}

// FirstMatch returns the first capture group of the first match when the pattern
// has groups, otherwise the whole first match. ok is false when nothing matched.
func FirstMatch(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return m[0], true
}

// AllMatches is FirstMatch applied to every non-overlapping match, in order.
func AllMatches(re *regexp.Regexp, s string) []string {
	all := re.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(all))
	for _, m := range all {
		if len(m) > 1 {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return out
}

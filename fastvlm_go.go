package fastvlm

import (
	"github.com/knights-analytics/fastvlm/options"
)

// NewGoSession creates a session that runs the graphs with the pure go engine and
// tokenizes with the go tokenizer. It needs no shared libraries.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}

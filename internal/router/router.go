// Package router classifies inbound text as fast-path (commands handled
// without generation) or slow-path (the full LLM pipeline).
package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Route is the classification result.
type Route int

const (
	// Slow sends the message through batching and generation.
	Slow Route = iota
	// Fast matches a configured command and bypasses generation.
	Fast
)

func (r Route) String() string {
	if r == Fast {
		return "fast"
	}
	return "slow"
}

// DefaultCommands are the built-in fast-path patterns.
var DefaultCommands = []string{
	`/start`,
	`/help`,
	`/stop`,
	`/delete`,
	`/settings`,
}

// Router holds the compiled command set. Construction compiles every
// pattern once; Route itself is pure and side-effect free.
type Router struct {
	patterns []*regexp.Regexp
}

// New compiles the command patterns. Each is anchored and matched
// case-insensitively against the whole trimmed input.
func New(commands []string) (*Router, error) {
	if len(commands) == 0 {
		commands = DefaultCommands
	}
	patterns := make([]*regexp.Regexp, 0, len(commands))
	for _, c := range commands {
		re, err := regexp.Compile(`(?i)^` + c + `$`)
		if err != nil {
			return nil, fmt.Errorf("compile command pattern %q: %w", c, err)
		}
		patterns = append(patterns, re)
	}
	return &Router{patterns: patterns}, nil
}

// Route classifies one message. Empty and whitespace-only input routes
// slow; the pipeline handles it without crashing.
func (r *Router) Route(text string) Route {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Slow
	}
	for _, re := range r.patterns {
		if re.MatchString(trimmed) {
			return Fast
		}
	}
	return Slow
}

// Package prompt owns the stable persona prefix and builds the ordered
// message arrays both generation stages send. The first system message is
// byte-identical on every call so providers can reuse cached prompt
// prefixes across requests.
package prompt

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/llm"
	"github.com/nadia-hitl/nadia/internal/models"
)

// Delimiters wrapping the creative draft inside the refinement instruction.
const (
	draftOpen  = "<<<DRAFT>>>"
	draftClose = "<<</DRAFT>>>"
)

// Manager holds the immutable persona prefix loaded at boot. It is never
// mutated at runtime; config reload builds a new Manager.
type Manager struct {
	prefix       string
	prefixTokens int
	logger       zerolog.Logger
}

// Load reads the persona file and validates the token floor. A short or
// unreadable persona is a fatal boot condition.
func Load(path string, logger zerolog.Logger) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.FatalConfigError{
			Reason: fmt.Sprintf("persona file %s: %v", path, err)}
	}
	m, err := New(string(data), logger)
	if err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("path", path).
		Int("prefix_tokens", m.prefixTokens).
		Msg("stable prefix loaded")
	return m, nil
}

// New builds a manager from persona text, enforcing the token floor that
// makes provider-side prefix caching worthwhile.
func New(persona string, logger zerolog.Logger) (*Manager, error) {
	tokens := estimateTokens(persona)
	if tokens < config.MinPrefixTokens {
		return nil, &models.FatalConfigError{
			Reason: fmt.Sprintf("persona prefix is %d tokens, need at least %d",
				tokens, config.MinPrefixTokens)}
	}
	return &Manager{
		prefix:       persona,
		prefixTokens: tokens,
		logger:       logger.With().Str("component", "prompt").Logger(),
	}, nil
}

// Prefix returns the exact loaded persona string.
func (m *Manager) Prefix() string { return m.prefix }

// PrefixTokens returns the estimated token count of the stable prefix.
func (m *Manager) PrefixTokens() int { return m.prefixTokens }

// BuildInput carries the per-call context around the stable prefix.
type BuildInput struct {
	// UserName adds an optional "Current user" system line.
	UserName string
	// Summary adds an optional "Conversation context" system line.
	Summary string
	// History is replayed as user/assistant turns between the system
	// block and the current text.
	History []models.ConversationTurn
	// Current is the user message (creative stage) or the refinement
	// instruction (refiner stage).
	Current string
}

// BuildMessages produces the ordered message array. Position 0 is always
// the stable prefix, stored string value, so equality is byte equality.
func (m *Manager) BuildMessages(in BuildInput) []llm.Message {
	msgs := make([]llm.Message, 0, len(in.History)+4)
	msgs = append(msgs, llm.Message{Role: models.RoleSystem, Content: m.prefix})
	if in.UserName != "" {
		msgs = append(msgs, llm.Message{Role: models.RoleSystem, Content: "Current user: " + in.UserName})
	}
	if in.Summary != "" {
		msgs = append(msgs, llm.Message{Role: models.RoleSystem, Content: "Conversation context: " + in.Summary})
	}
	for _, turn := range in.History {
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, llm.Message{Role: models.RoleUser, Content: in.Current})
	return msgs
}

// RefinementInstruction builds the refiner stage's user message: the raw
// creative draft between explicit delimiters plus the splitting contract.
func RefinementInstruction(userText, draft, separator string) string {
	var b strings.Builder
	b.WriteString("The user wrote:\n")
	b.WriteString(userText)
	b.WriteString("\n\nRefine the draft reply below into natural chat messages. ")
	b.WriteString("Split it into short bubbles separated by the literal token ")
	b.WriteString(separator)
	b.WriteString(". Keep the persona's voice; do not add or remove meaning.\n\n")
	b.WriteString(draftOpen)
	b.WriteString("\n")
	b.WriteString(draft)
	b.WriteString("\n")
	b.WriteString(draftClose)
	return b.String()
}

// SplitBubbles parses refiner output into ordered bubbles on the literal
// separator, discarding empties.
func SplitBubbles(text, separator string) []string {
	parts := strings.Split(text, separator)
	bubbles := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			bubbles = append(bubbles, trimmed)
		}
	}
	return bubbles
}

// WarmUp issues one minimal generation so the provider caches the prefix
// before real traffic arrives. Failure is logged, not fatal.
func (m *Manager) WarmUp(ctx context.Context, client llm.Client) {
	msgs := m.BuildMessages(BuildInput{Current: "Say \"ready\"."})
	res, err := client.Generate(ctx, msgs, 0)
	if err != nil {
		m.logger.Warn().Err(err).Msg("prefix warm-up call failed")
		return
	}
	m.logger.Info().
		Str("model", res.Model).
		Int("prompt_tokens", res.PromptTokens).
		Msg("prefix warm-up complete")
}

// estimateTokens approximates the provider tokenizer: one token per four
// characters, floored at the word count. It only guards the prefix
// minimum; metering uses provider-reported usage.
func estimateTokens(text string) int {
	byChars := len(text) / 4
	byWords := len(strings.Fields(text))
	if byWords > byChars {
		return byWords
	}
	return byChars
}

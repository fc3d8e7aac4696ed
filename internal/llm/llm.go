// Package llm abstracts the generation providers behind a narrow client
// capability. Both pipeline stages (creative draft, refiner) speak this
// interface; which provider serves which stage is pure configuration.
package llm

import (
	"context"
	"strings"
)

// Message is one entry of the ordered prompt array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result carries the generated text plus per-call metering. Returning the
// metering with the call keeps clients stateless and race-free.
type Result struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	// EstimatedUsage marks token counts reconstructed from word counts
	// because the provider response carried no usage block.
	EstimatedUsage bool
}

// TotalTokens is the summed prompt and completion count.
func (r *Result) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Client is the capability each generation stage depends on.
type Client interface {
	// Generate runs one completion over the ordered message array.
	Generate(ctx context.Context, msgs []Message, temperature float64) (*Result, error)

	// ModelName identifies the configured model for metering columns.
	ModelName() string
}

// EstimateTokens approximates a token count from text when the provider
// omits usage metadata. Roughly 4 tokens per 3 words.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 2) / 3
}

// JoinContents concatenates message contents for usage estimation.
func JoinContents(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

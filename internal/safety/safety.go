// Package safety scores refined drafts against the constitution rules
// before human review. The verdict is advisory: it sets queue priority and
// is surfaced to the reviewer, but never triggers an automatic send.
package safety

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/nadia-hitl/nadia/internal/models"
)

// Recommendation thresholds on the capped risk score.
const (
	reviewThreshold = 0.3
	rejectThreshold = 0.7
)

// Rule is one regex constitution rule.
type Rule struct {
	Name    string  `yaml:"name"`
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`
	// Force set to "reject" makes any hit a hard rejection regardless of
	// the summed score.
	Force string `yaml:"force,omitempty"`
}

// Category is a keyword group with a shared score contribution.
type Category struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Weight   float64  `yaml:"weight"`
}

// RuleSet is the constitution file contents.
type RuleSet struct {
	Rules      []Rule     `yaml:"rules"`
	Categories []Category `yaml:"categories"`
}

// Evaluator scores bubbles deterministically: identical input always
// produces the identical verdict.
type Evaluator struct {
	rules      []compiledRule
	categories []Category
	logger     zerolog.Logger
}

type compiledRule struct {
	name   string
	re     *regexp.Regexp
	weight float64
	reject bool
}

// Load reads the constitution YAML and compiles its rules. An empty path
// loads the built-in default rule set.
func Load(path string, logger zerolog.Logger) (*Evaluator, error) {
	var rs RuleSet
	if path == "" {
		rs = defaultRuleSet()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &models.FatalConfigError{
				Reason: fmt.Sprintf("constitution file %s: %v", path, err)}
		}
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return nil, &models.FatalConfigError{
				Reason: fmt.Sprintf("constitution file %s: %v", path, err)}
		}
	}
	return New(rs, logger)
}

// New compiles a rule set.
func New(rs RuleSet, logger zerolog.Logger) (*Evaluator, error) {
	compiled := make([]compiledRule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		re, err := regexp.Compile(`(?i)` + r.Pattern)
		if err != nil {
			return nil, &models.FatalConfigError{
				Reason: fmt.Sprintf("constitution rule %q: %v", r.Name, err)}
		}
		compiled = append(compiled, compiledRule{
			name:   r.Name,
			re:     re,
			weight: r.Weight,
			reject: r.Force == "reject",
		})
	}
	return &Evaluator{
		rules:      compiled,
		categories: rs.Categories,
		logger:     logger.With().Str("component", "safety").Logger(),
	}, nil
}

// Evaluate scores the refined bubbles in their conversational context.
// Risk is the capped weighted sum of rule and category hits; the
// recommendation follows fixed thresholds, with explicit-rule hits
// forcing reject.
func (e *Evaluator) Evaluate(bubbles []string, userMessage string) models.SafetyVerdict {
	text := strings.ToLower(strings.Join(bubbles, "\n") + "\n" + userMessage)

	var (
		risk    float64
		flags   []string
		forced  bool
		flagSet = map[string]bool{}
	)

	for _, r := range e.rules {
		if !r.re.MatchString(text) {
			continue
		}
		risk += r.weight
		if r.reject {
			forced = true
		}
		if !flagSet[r.name] {
			flagSet[r.name] = true
			flags = append(flags, r.name)
		}
	}

	for _, c := range e.categories {
		for _, kw := range c.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				risk += c.Weight
				if !flagSet[c.Name] {
					flagSet[c.Name] = true
					flags = append(flags, c.Name)
				}
				break
			}
		}
	}

	risk = math.Min(risk, 1.0)
	sort.Strings(flags)

	rec := models.RecommendApprove
	switch {
	case forced:
		rec = models.RecommendReject
		if risk < rejectThreshold {
			risk = rejectThreshold
		}
	case risk > reviewThreshold:
		rec = models.RecommendReview
	}

	if rec != models.RecommendApprove {
		e.logger.Debug().
			Float64("risk", risk).
			Strs("flags", flags).
			Str("recommendation", string(rec)).
			Msg("draft flagged for attention")
	}
	return models.SafetyVerdict{RiskScore: risk, Flags: flags, Recommendation: rec}
}

// defaultRuleSet is the shipped constitution, used when no file is
// configured. Mirrors config/constitution.yaml.
func defaultRuleSet() RuleSet {
	return RuleSet{
		Rules: []Rule{
			{Name: "meetup_request", Pattern: `\b(meet (up|irl)|in person|come over|my (place|address))\b`, Weight: 0.5},
			{Name: "payment_solicitation", Pattern: `\b(send (me )?money|cash ?app|venmo|paypal|wire transfer|bank account)\b`, Weight: 0.6},
			{Name: "self_harm", Pattern: `\b(kill (myself|yourself)|suicide|self[- ]harm|hurt (myself|yourself))\b`, Weight: 0.9, Force: "reject"},
			{Name: "minor_reference", Pattern: `\b(under ?age|i'?m (1[0-7]|[0-9]) (years|yrs)( old)?)\b`, Weight: 1.0, Force: "reject"},
			{Name: "identity_break", Pattern: `\b(as an ai|language model|i'?m a bot|system prompt)\b`, Weight: 0.45},
			{Name: "contact_exchange", Pattern: `\b(whats ?app|phone number|my number is|\+\d{7,})\b`, Weight: 0.35},
		},
		Categories: []Category{
			{Name: "explicit_content", Keywords: []string{"nude", "nsfw", "explicit"}, Weight: 0.4},
			{Name: "pressure_tactics", Keywords: []string{"right now or", "last chance", "don't tell anyone"}, Weight: 0.25},
			{Name: "financial_topics", Keywords: []string{"investment", "crypto", "guaranteed returns"}, Weight: 0.2},
		},
	}
}

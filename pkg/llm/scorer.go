// Package llm provides the mint oracle: scorers that rate an artifact on a
// 0..100 scale, backed by a language model or a fixed table.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	MinScore = 0
	MaxScore = 100

	// maxPromptContent bounds the artifact text sent to a model.
	maxPromptContent = 8000
)

var (
	// ErrNoScore is returned when a model reply carries no usable score.
	ErrNoScore = errors.New("llm: no score in response")
	// ErrUnknownProvider is returned by New for an unsupported provider name.
	ErrUnknownProvider = errors.New("llm: unknown provider")
)

// Submission is the artifact under evaluation.
type Submission struct {
	ArtifactID string
	Type       string
	CreatedBy  string
	Content    string
	Code       string
}

// Scorer rates a submission. Implementations must return a score within
// [MinScore, MaxScore] or an error.
type Scorer interface {
	Score(ctx context.Context, s Submission) (int, error)
	Name() string
}

const systemPrompt = `You are the mint oracle of a closed agent economy.
Rate how useful the submitted artifact is to other agents in the economy.
Reply with a single integer from 0 to 100 and nothing else.`

// Prompt renders the user message for a submission.
func Prompt(s Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "artifact_id: %s\n", s.ArtifactID)
	fmt.Fprintf(&b, "type: %s\n", s.Type)
	fmt.Fprintf(&b, "created_by: %s\n", s.CreatedBy)
	b.WriteString("\ncontent:\n")
	b.WriteString(truncate(s.Content, maxPromptContent))
	if s.Code != "" {
		b.WriteString("\n\ncode:\n")
		b.WriteString(truncate(s.Code, maxPromptContent))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n[truncated]"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

var scorePattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseScore extracts the first number in a model reply and clamps it to
// [MinScore, MaxScore]. Fractional scores are rounded down.
func ParseScore(reply string) (int, error) {
	m := scorePattern.FindString(reply)
	if m == "" {
		return 0, fmt.Errorf("%w: %q", ErrNoScore, truncate(reply, 80))
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoScore, err)
	}
	return clamp(int(f)), nil
}

func clamp(n int) int {
	switch {
	case n < MinScore:
		return MinScore
	case n > MaxScore:
		return MaxScore
	}
	return n
}

// Config selects a scorer.
type Config struct {
	// Provider is "anthropic", "openai" or "static".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// StaticScore is the score returned by the static provider.
	StaticScore int
}

// New builds the configured scorer wrapped in a circuit breaker. Model-backed
// providers without an API key fall back to the static scorer.
func New(cfg Config) (Scorer, error) {
	var s Scorer
	switch strings.ToLower(cfg.Provider) {
	case "", "static":
		return NewStaticScorer(cfg.StaticScore), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return NewStaticScorer(cfg.StaticScore), nil
		}
		s = NewAnthropicScorer(AnthropicOptions{Model: cfg.Model, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case "openai":
		if cfg.APIKey == "" {
			return NewStaticScorer(cfg.StaticScore), nil
		}
		s = NewOpenAIScorer(OpenAIOptions{Model: cfg.Model, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
	return NewBreaker(s, BreakerOptions{}), nil
}

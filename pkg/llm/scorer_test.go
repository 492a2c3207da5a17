package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		reply   string
		want    int
		wantErr bool
	}{
		{"73", 73, false},
		{"Score: 42/100", 42, false},
		{"  100\n", 100, false},
		{"250", 100, false},
		{"-4", 0, false},
		{"87.9", 87, false},
		{"no idea", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			got, err := ParseScore(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoScore)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPromptTruncatesOnRuneBoundary(t *testing.T) {
	content := strings.Repeat("é", maxPromptContent)
	p := Prompt(Submission{ArtifactID: "a1", Type: "service", CreatedBy: "alice", Content: content})

	assert.Contains(t, p, "artifact_id: a1")
	assert.Contains(t, p, "[truncated]")
	assert.True(t, strings.ToValidUTF8(p, "?") == p, "prompt must stay valid UTF-8")
}

func TestStaticScorer(t *testing.T) {
	s := NewStaticScorer(140)
	s.Set("special", 12)

	v, err := s.Score(context.Background(), Submission{ArtifactID: "plain"})
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	v, err = s.Score(context.Background(), Submission{ArtifactID: "special"})
	require.NoError(t, err)
	assert.Equal(t, 12, v)
}

func TestAnthropicScorer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "81"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	s := NewAnthropicScorer(AnthropicOptions{Model: "claude-test", APIKey: "test-key", BaseURL: srv.URL + "/"})
	v, err := s.Score(context.Background(), Submission{ArtifactID: "a1", Content: "a useful tool"})
	require.NoError(t, err)
	assert.Equal(t, 81, v)
	assert.Equal(t, "claude-test", body["model"])
	assert.Equal(t, "anthropic:claude-test", s.Name())
}

func TestOpenAIScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Score: 55"}}]
		}`))
	}))
	defer srv.Close()

	s := NewOpenAIScorer(OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL + "/"})
	v, err := s.Score(context.Background(), Submission{ArtifactID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 55, v)
}

type flakyScorer struct {
	calls   atomic.Int32
	failFor int32
}

func (f *flakyScorer) Name() string { return "flaky" }

func (f *flakyScorer) Score(ctx context.Context, s Submission) (int, error) {
	if f.calls.Add(1) <= f.failFor {
		return 0, errors.New("upstream 503")
	}
	return 64, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestBreakerRetries(t *testing.T) {
	next := &flakyScorer{failFor: 2}
	b := NewBreaker(next, BreakerOptions{Sleep: noSleep})

	v, err := b.Score(context.Background(), Submission{ArtifactID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 64, v)
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestBreakerOpens(t *testing.T) {
	next := &flakyScorer{failFor: 1000}
	b := NewBreaker(next, BreakerOptions{
		ConsecutiveFailures: 2,
		Backoff:             BackoffPolicy{MaxAttempts: 3},
		Sleep:               noSleep,
	})

	_, err := b.Score(context.Background(), Submission{ArtifactID: "a1"})
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, "open", b.State())
	assert.Equal(t, int32(2), next.calls.Load())

	_, err = b.Score(context.Background(), Submission{ArtifactID: "a2"})
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker must not call the oracle")
}

func TestNewFallsBackToStatic(t *testing.T) {
	s, err := New(Config{Provider: "anthropic", StaticScore: 30})
	require.NoError(t, err)
	assert.Equal(t, "static", s.Name())

	_, err = New(Config{Provider: "mystery"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	s, err = New(Config{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	_, ok := s.(*Breaker)
	assert.True(t, ok)
}

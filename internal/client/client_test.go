package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"easyaikit/internal/backend"
	"easyaikit/internal/cache"
	"easyaikit/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArk answers every request with reply (and reasoning, when set), as a
// JSON body or as SSE depending on the request
type fakeArk struct {
	reply     string
	reasoning string
	calls     int32
	// truncate drops the closing [DONE] frame
	truncate bool

	mu   sync.Mutex
	last backend.ChatRequest
}

func (f *fakeArk) lastReq() backend.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeArk) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.calls, 1)
	var req backend.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()

	if !req.Stream {
		msg := backend.ResponseMessage{Role: "assistant", Content: f.reply, ReasoningContent: f.reasoning}
		b, _ := json.Marshal(msg)
		fmt.Fprintf(w, `{"choices":[{"index":0,"message":%s}],"usage":{"prompt_tokens":3,"completion_tokens":5}}`, b)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	for _, part := range splitEvery(f.reasoning, 3) {
		b, _ := json.Marshal(part)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":%s}}]}\n\n", b)
	}
	for _, part := range splitEvery(f.reply, 3) {
		b, _ := json.Marshal(part)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n\n", b)
	}
	if !f.truncate {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func newTestAI(t *testing.T, f *fakeArk, opts ...Option) *AI {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	ai, err := New(append([]Option{WithAPIKey("test"), WithBaseURL(srv.URL)}, opts...)...)
	require.NoError(t, err)
	return ai
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Setenv(backend.APIKeyEnv, "")
	_, err := New()
	require.ErrorIs(t, err, ErrMissingAPIKey)

	t.Setenv(backend.APIKeyEnv, "from-env")
	ai, err := New()
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, ai.Model())
	assert.Equal(t, DefaultThinkModel, ai.ThinkModel())
}

func TestAsk_UsesSystemMessageAndOptions(t *testing.T) {
	f := &fakeArk{reply: "a short story"}
	ai := newTestAI(t, f, WithSystemMessage("you are a creative writer"))

	reply, err := ai.Ask(context.Background(), "write a story",
		backend.WithTemperature(0.8), backend.WithMaxTokens(300), backend.WithTopP(0.95))
	require.NoError(t, err)
	assert.Equal(t, "a short story", reply)

	require.Len(t, f.lastReq().Messages, 2)
	assert.Equal(t, session.RoleSystem, f.lastReq().Messages[0].Role)
	assert.Equal(t, "you are a creative writer", f.lastReq().Messages[0].Content)
	assert.Equal(t, DefaultModel, f.lastReq().Model)
	require.NotNil(t, f.lastReq().MaxTokens)
	assert.Equal(t, 300, *f.lastReq().MaxTokens)
	assert.Equal(t, 0.95, *f.lastReq().TopP)
}

func TestStreamAsk_ConcatenatesToReply(t *testing.T) {
	f := &fakeArk{reply: "Python is a programming language"}
	ai := newTestAI(t, f)

	chunks, errs := ai.StreamAsk(context.Background(), "describe Python")
	var parts []string
	for c := range chunks {
		parts = append(parts, c)
	}
	require.NoError(t, <-errs)
	assert.Greater(t, len(parts), 1)
	assert.Equal(t, f.reply, strings.Join(parts, ""))
	assert.True(t, f.lastReq().Stream)
}

func TestThink_ReasoningContent(t *testing.T) {
	f := &fakeArk{reply: "9.9 is larger", reasoning: "compare 0.9 with 0.11"}
	ai := newTestAI(t, f)

	reasoning, answer, err := ai.Think(context.Background(), "9.9 or 9.11?")
	require.NoError(t, err)
	assert.Equal(t, "compare 0.9 with 0.11", reasoning)
	assert.Equal(t, "9.9 is larger", answer)
	assert.Equal(t, DefaultThinkModel, f.lastReq().Model)
}

func TestThink_InlineThinkBlock(t *testing.T) {
	f := &fakeArk{reply: "<think>\ncompare digits\n</think>\n\n1.5 is larger"}
	ai := newTestAI(t, f, WithThinkModel("custom-r1"))

	reasoning, answer, err := ai.Think(context.Background(), "1.5 or 1.05?")
	require.NoError(t, err)
	assert.Equal(t, "compare digits", reasoning)
	assert.Equal(t, "1.5 is larger", answer)
	assert.Equal(t, "custom-r1", f.lastReq().Model)
}

func TestStreamThink_ReasoningThenAnswer(t *testing.T) {
	f := &fakeArk{reply: "1.5 is larger", reasoning: "1.50 versus 1.05"}
	ai := newTestAI(t, f)

	chunks, errs := ai.StreamThink(context.Background(), "1.5 or 1.05?")
	var reasoning, answer strings.Builder
	answering := false
	for c := range chunks {
		if c.Reasoning != "" {
			assert.Empty(t, c.Answer)
			assert.False(t, answering, "reasoning after answer")
			reasoning.WriteString(c.Reasoning)
			continue
		}
		answering = true
		answer.WriteString(c.Answer)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, f.reasoning, reasoning.String())
	assert.Equal(t, f.reply, answer.String())
}

func TestStreamThink_InlineThinkBlock(t *testing.T) {
	f := &fakeArk{reply: "<think>weigh it up</think>done"}
	ai := newTestAI(t, f)

	chunks, errs := ai.StreamThink(context.Background(), "q")
	var reasoning, answer strings.Builder
	for c := range chunks {
		reasoning.WriteString(c.Reasoning)
		answer.WriteString(c.Answer)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "weigh it up", reasoning.String())
	assert.Equal(t, "done", answer.String())
}

func TestAskJSON(t *testing.T) {
	f := &fakeArk{reply: "```json\n{\"sum\": 15, \"mean\": 3}\n```"}
	ai := newTestAI(t, f)

	result, err := ai.AskJSON(context.Background(), "analyse 1, 2, 3, 4, 5")
	require.NoError(t, err)
	assert.Equal(t, float64(15), result["sum"])
	assert.False(t, IsJSONError(result))

	require.NotNil(t, f.lastReq().ResponseFormat)
	assert.Equal(t, "json_object", f.lastReq().ResponseFormat.Type)
	assert.Equal(t, session.RoleSystem, f.lastReq().Messages[0].Role)
	assert.Contains(t, f.lastReq().Messages[0].Content, "JSON")
}

func TestAskJSON_InvalidReply(t *testing.T) {
	f := &fakeArk{reply: "sorry, no JSON today"}
	ai := newTestAI(t, f)

	result, err := ai.AskJSON(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, IsJSONError(result))
	assert.Equal(t, true, result["error"])
	assert.Equal(t, "sorry, no JSON today", result["raw_response"])
	assert.NotEmpty(t, result["message"])
}

func TestAsk_CacheSkipsSecondCall(t *testing.T) {
	f := &fakeArk{reply: "cached"}
	ai := newTestAI(t, f, WithCache(cache.NewMemory(0)))

	for i := 0; i < 2; i++ {
		reply, err := ai.Ask(context.Background(), "same question")
		require.NoError(t, err)
		assert.Equal(t, "cached", reply)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.calls))

	_, err := ai.Ask(context.Background(), "same question", backend.WithTemperature(0.1))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.calls))
}

func TestAsk_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ai, err := New(WithAPIKey("bad"), WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = ai.Ask(context.Background(), "q")
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestSession_InheritsSystemMessage(t *testing.T) {
	f := &fakeArk{reply: "ok"}
	ai := newTestAI(t, f, WithSystemMessage("client default"))

	s := ai.Session()
	_, err := s.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "client default", f.lastReq().Messages[0].Content)

	_, err = s.Ask(context.Background(), "follow up")
	require.NoError(t, err)
	assert.Len(t, f.lastReq().Messages, 4)
}

func TestSessionStreamAsk_TruncatedStreamKeepsHistory(t *testing.T) {
	f := &fakeArk{reply: "cut off mid", truncate: true}
	s := newTestAI(t, f).Session()

	chunks, errs := s.StreamAsk(context.Background(), "q")
	for range chunks {
	}
	err := <-errs
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Empty(t, s.GetHistory())
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"easyaikit/internal/backend"
	"easyaikit/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingCompleter struct {
	last  []session.Message
	reply string
	err   error
}

func (c *recordingCompleter) Complete(_ context.Context, messages []session.Message, _ ...backend.RequestOption) (string, error) {
	// copy to avoid mutations
	c.last = append([]session.Message(nil), messages...)
	return c.reply, c.err
}

func (c *recordingCompleter) CompleteStream(_ context.Context, messages []session.Message, _ ...backend.RequestOption) (<-chan string, <-chan error) {
	c.last = append([]session.Message(nil), messages...)
	chunks := make(chan string, len(c.reply))
	errs := make(chan error, 1)
	for _, r := range c.reply {
		chunks <- string(r)
	}
	if c.err != nil {
		errs <- c.err
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *recordingCompleter) CompleteThink(_ context.Context, messages []session.Message, _ ...backend.RequestOption) (string, string, error) {
	c.last = append([]session.Message(nil), messages...)
	return "reasoning", c.reply, c.err
}

func (c *recordingCompleter) CompleteThinkStream(_ context.Context, messages []session.Message, _ ...backend.RequestOption) (<-chan session.ThinkChunk, <-chan error) {
	c.last = append([]session.Message(nil), messages...)
	chunks := make(chan session.ThinkChunk, 2)
	errs := make(chan error, 1)
	chunks <- session.ThinkChunk{Reasoning: "reasoning"}
	chunks <- session.ThinkChunk{Answer: c.reply}
	if c.err != nil {
		errs <- c.err
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *recordingCompleter) CompleteJSON(_ context.Context, messages []session.Message, _ ...backend.RequestOption) (map[string]any, string, error) {
	c.last = append([]session.Message(nil), messages...)
	if c.err != nil {
		return nil, "", c.err
	}
	return map[string]any{"answer": c.reply}, `{"answer":"` + c.reply + `"}`, nil
}

// endlessCompleter streams n chunks, stopping early when ctx is done
type endlessCompleter struct {
	recordingCompleter
	n int
}

func (c *endlessCompleter) CompleteStream(ctx context.Context, _ []session.Message, _ ...backend.RequestOption) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < c.n; i++ {
			select {
			case chunks <- fmt.Sprintf("chunk %d ", i):
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (c *endlessCompleter) CompleteThinkStream(ctx context.Context, _ []session.Message, _ ...backend.RequestOption) (<-chan session.ThinkChunk, <-chan error) {
	chunks := make(chan session.ThinkChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < c.n; i++ {
			select {
			case chunks <- session.ThinkChunk{Answer: "more "}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

type memoryRecorder struct {
	saved []string
}

func (r *memoryRecorder) SaveMessage(_ context.Context, role, content string) error {
	r.saved = append(r.saved, role+":"+content)
	return nil
}

func roles(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestAsk_CarriesContextBetweenTurns(t *testing.T) {
	comp := &recordingCompleter{reply: "first"}
	s := NewSession(comp, WithSystemMessage("you are an AI expert"))

	reply, err := s.Ask(context.Background(), "what is a neural network?")
	require.NoError(t, err)
	assert.Equal(t, "first", reply)
	assert.Equal(t, []string{"system", "user"}, roles(comp.last))

	comp.reply = "second"
	_, err = s.Ask(context.Background(), "what are they used for?")
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles(comp.last))
	assert.Equal(t, "first", comp.last[2].Content)

	history := s.GetHistory()
	assert.Len(t, history, 5)
	assert.Equal(t, "you are an AI expert", history[0].Content)
}

func TestAsk_FailureLeavesHistoryUnchanged(t *testing.T) {
	comp := &recordingCompleter{err: errors.New("boom")}
	s := NewSession(comp)

	_, err := s.Ask(context.Background(), "q")
	require.Error(t, err)
	assert.Empty(t, s.GetHistory())
}

func TestStreamAsk_RecordsAfterCompletion(t *testing.T) {
	comp := &recordingCompleter{reply: "streamed"}
	s := NewSession(comp)

	chunks, errs := s.StreamAsk(context.Background(), "q")
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "streamed", b.String())

	history := s.GetHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "streamed", history[1].Content)
}

func TestStreamAsk_ErrorDiscardsTurn(t *testing.T) {
	comp := &recordingCompleter{reply: "partial", err: errors.New("stream broke")}
	s := NewSession(comp)

	chunks, errs := s.StreamAsk(context.Background(), "q")
	for range chunks {
	}
	require.EqualError(t, <-errs, "stream broke")
	assert.Empty(t, s.GetHistory())
}

func TestThink_OnlyAnswerEntersHistory(t *testing.T) {
	comp := &recordingCompleter{reply: "0.5 is ten times 0.05"}
	s := NewSession(comp, WithSystemMessage("you are a maths tutor"))

	reasoning, answer, err := s.Think(context.Background(), "how do 0.5 and 0.05 relate?")
	require.NoError(t, err)
	assert.Equal(t, "reasoning", reasoning)
	assert.Equal(t, "0.5 is ten times 0.05", answer)

	history := s.GetHistory()
	require.Len(t, history, 3)
	assert.Equal(t, answer, history[2].Content)
}

func TestStreamThink_RecordsAnswer(t *testing.T) {
	comp := &recordingCompleter{reply: "1.5"}
	s := NewSession(comp)

	chunks, errs := s.StreamThink(context.Background(), "1.5 or 1.05?")
	var got []session.ThinkChunk
	for c := range chunks {
		got = append(got, c)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 2)
	assert.Equal(t, "reasoning", got[0].Reasoning)
	assert.Equal(t, "1.5", got[1].Answer)
	assert.Equal(t, "1.5", s.GetHistory()[1].Content)
}

func TestAskJSON_RecordsRawReply(t *testing.T) {
	comp := &recordingCompleter{reply: "42"}
	s := NewSession(comp)

	result, err := s.AskJSON(context.Background(), "answer?")
	require.NoError(t, err)
	assert.Equal(t, "42", result["answer"])
	assert.Equal(t, `{"answer":"42"}`, s.GetHistory()[1].Content)
}

func TestClear_KeepsSystemMessage(t *testing.T) {
	comp := &recordingCompleter{reply: "ok"}
	s := NewSession(comp, WithSystemMessage("sys"))
	_, err := s.Ask(context.Background(), "q")
	require.NoError(t, err)

	s.Clear()
	history := s.GetHistory()
	require.Len(t, history, 1)
	assert.Equal(t, session.RoleSystem, history[0].Role)
}

func TestMaxHistory_TrimsContextWindow(t *testing.T) {
	comp := &recordingCompleter{reply: "ok"}
	s := NewSession(comp, WithSystemMessage("sys"), WithMaxHistory(2))

	for i := 0; i < 3; i++ {
		_, err := s.Ask(context.Background(), "q")
		require.NoError(t, err)
	}
	// system + 2 past + new user
	assert.Len(t, comp.last, 4)
	assert.Equal(t, session.RoleSystem, comp.last[0].Role)
	assert.Len(t, s.GetHistory(), 7)
}

func TestWithHistory_SkipsSystemAndResumes(t *testing.T) {
	comp := &recordingCompleter{reply: "ok"}
	s := NewSession(comp, WithHistory([]session.Message{
		{Role: session.RoleSystem, Content: "old sys"},
		{Role: session.RoleUser, Content: "earlier"},
		{Role: session.RoleAssistant, Content: "reply"},
	}))

	_, err := s.Ask(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "assistant", "user"}, roles(comp.last))
}

func TestRecorder_ReceivesCommittedTurns(t *testing.T) {
	comp := &recordingCompleter{reply: "ok"}
	rec := &memoryRecorder{}
	s := NewSession(comp, WithRecorder(rec))

	_, err := s.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:q", "assistant:ok"}, rec.saved)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) SaveMessage(ctx context.Context, role, content string) error {
	args := m.Called(ctx, role, content)
	return args.Error(0)
}

func TestRecorder_FailureKeepsTurnInMemory(t *testing.T) {
	rec := new(mockRecorder)
	rec.On("SaveMessage", mock.Anything, session.RoleUser, "hello").Return(errors.New("disk full")).Once()
	rec.On("SaveMessage", mock.Anything, session.RoleAssistant, "hi there").Return(nil).Once()

	s := NewSession(&recordingCompleter{reply: "hi there"}, WithRecorder(rec))
	reply, err := s.Ask(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
	assert.Len(t, s.GetHistory(), 2)
	rec.AssertExpectations(t)
}

func TestStreamAsk_CancelledConsumerReleasesSession(t *testing.T) {
	s := NewSession(&endlessCompleter{n: 100})

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := s.StreamAsk(ctx, "q")
	<-chunks
	cancel()

	// out is never drained; the session must still unlock
	done := make(chan []session.Message)
	go func() { done <- s.GetHistory() }()
	select {
	case history := <-done:
		assert.Empty(t, history)
	case <-time.After(2 * time.Second):
		t.Fatal("session still locked after cancel")
	}

	for range chunks {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Empty(t, s.GetHistory())
}

func TestStreamThink_CancelledConsumerReleasesSession(t *testing.T) {
	s := NewSession(&endlessCompleter{n: 100})

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := s.StreamThink(ctx, "q")
	<-chunks
	cancel()
	for range chunks {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)

	_, err := s.Ask(context.Background(), "still usable")
	require.NoError(t, err)
	assert.Len(t, s.GetHistory(), 2)
}

func TestMaxHistory_OddLimitSkipsOrphanReply(t *testing.T) {
	comp := &recordingCompleter{reply: "ok"}
	s := NewSession(comp, WithSystemMessage("sys"), WithMaxHistory(3))

	for i := 0; i < 4; i++ {
		_, err := s.Ask(context.Background(), "q")
		require.NoError(t, err)
	}
	// the window [assistant, user, assistant] loses its leading reply
	assert.Equal(t, []string{session.RoleSystem, session.RoleUser, session.RoleAssistant, session.RoleUser}, roles(comp.last))
}

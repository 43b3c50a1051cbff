package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"easyaikit/internal/backend"
	"easyaikit/internal/cache"
	"easyaikit/internal/session"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const jsonInstruction = "Respond only with a valid JSON object. Do not wrap it in Markdown."

// Ask sends a single prompt and returns the reply
func (ai *AI) Ask(ctx context.Context, prompt string, opts ...backend.RequestOption) (string, error) {
	return ai.Complete(ctx, ai.prompt(prompt), opts...)
}

// StreamAsk streams the reply to a single prompt
func (ai *AI) StreamAsk(ctx context.Context, prompt string, opts ...backend.RequestOption) (<-chan string, <-chan error) {
	return ai.CompleteStream(ctx, ai.prompt(prompt), opts...)
}

// Think asks the reasoning model and returns its reasoning and final answer
func (ai *AI) Think(ctx context.Context, prompt string, opts ...backend.RequestOption) (string, string, error) {
	return ai.CompleteThink(ctx, ai.prompt(prompt), opts...)
}

// StreamThink streams reasoning chunks followed by answer chunks
func (ai *AI) StreamThink(ctx context.Context, prompt string, opts ...backend.RequestOption) (<-chan session.ThinkChunk, <-chan error) {
	return ai.CompleteThinkStream(ctx, ai.prompt(prompt), opts...)
}

// AskJSON asks for a JSON object reply. See ParseJSON for the shape
// returned when the reply does not parse.
func (ai *AI) AskJSON(ctx context.Context, prompt string, opts ...backend.RequestOption) (map[string]any, error) {
	result, _, err := ai.CompleteJSON(ctx, ai.prompt(prompt), opts...)
	return result, err
}

func (ai *AI) prompt(prompt string) []session.Message {
	msgs := make([]session.Message, 0, 2)
	if ai.systemMessage != "" {
		msgs = append(msgs, session.NewMessage(session.RoleSystem, ai.systemMessage))
	}
	return append(msgs, session.NewMessage(session.RoleUser, prompt))
}

func (ai *AI) buildRequest(model string, messages []session.Message, opts []backend.RequestOption) backend.ChatRequest {
	req := backend.ChatRequest{
		Model: model,
		Messages: lo.Map(messages, func(m session.Message, _ int) backend.ChatMessage {
			return backend.ChatMessage{Role: m.Role, Content: m.Content}
		}),
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Complete sends a full message list and returns the assistant content
func (ai *AI) Complete(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (string, error) {
	req := ai.buildRequest(ai.model, messages, opts)
	msg, err := ai.chat(ctx, req)
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// CompleteStream streams the assistant content for a full message list
func (ai *AI) CompleteStream(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (<-chan string, <-chan error) {
	req := ai.buildRequest(ai.model, messages, opts)
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		err := ai.stream(ctx, req, func(d backend.Delta) bool {
			if d.Content == "" {
				return true
			}
			select {
			case chunks <- d.Content:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// CompleteThink runs a full message list through the think model
func (ai *AI) CompleteThink(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (string, string, error) {
	req := ai.buildRequest(ai.thinkModel, messages, opts)
	msg, err := ai.chat(ctx, req)
	if err != nil {
		return "", "", err
	}
	if msg.ReasoningContent != "" {
		return msg.ReasoningContent, msg.Content, nil
	}
	reasoning, answer := SplitThink(msg.Content)
	return reasoning, answer, nil
}

// CompleteThinkStream streams think chunks for a full message list
func (ai *AI) CompleteThinkStream(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (<-chan session.ThinkChunk, <-chan error) {
	req := ai.buildRequest(ai.thinkModel, messages, opts)
	chunks := make(chan session.ThinkChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		emit := func(reasoning, answer string) bool {
			if reasoning != "" {
				select {
				case chunks <- session.ThinkChunk{Reasoning: reasoning}:
				case <-ctx.Done():
					return false
				}
			}
			if answer != "" {
				select {
				case chunks <- session.ThinkChunk{Answer: answer}:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		var splitter thinkSplitter
		err := ai.stream(ctx, req, func(d backend.Delta) bool {
			if !emit(d.ReasoningContent, "") {
				return false
			}
			if d.Content == "" {
				return true
			}
			return emit(splitter.Feed(d.Content))
		})
		if err != nil {
			errs <- err
			return
		}
		emit(splitter.Flush())
	}()

	return chunks, errs
}

// CompleteJSON requests a JSON object reply and parses it. The raw reply is
// returned alongside so callers can keep it in a history.
func (ai *AI) CompleteJSON(ctx context.Context, messages []session.Message, opts ...backend.RequestOption) (map[string]any, string, error) {
	opts = append([]backend.RequestOption{backend.WithJSONObject()}, opts...)
	raw, err := ai.Complete(ctx, withJSONInstruction(messages), opts...)
	if err != nil {
		return nil, "", err
	}
	return ParseJSON(raw), raw, nil
}

func withJSONInstruction(messages []session.Message) []session.Message {
	out := make([]session.Message, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == session.RoleSystem {
		sys := messages[0]
		sys.Content = strings.TrimSpace(sys.Content + "\n" + jsonInstruction)
		out = append(out, sys)
		return append(out, messages[1:]...)
	}
	out = append(out, session.NewMessage(session.RoleSystem, jsonInstruction))
	return append(out, messages...)
}

func (ai *AI) chat(ctx context.Context, req backend.ChatRequest) (backend.ResponseMessage, error) {
	var cacheKey string
	if ai.cache != nil {
		cacheKey = cache.GenerateCacheKey(req)
		if cached, ok := ai.cache.Get(ctx, cacheKey); ok {
			ai.logger.Info("cache hit", "key", cacheKey[:16], "model", req.Model)
			return backend.ResponseMessage{Role: session.RoleAssistant, Content: cached}, nil
		}
	}

	ctx, span := ai.tracer.Start(ctx, "ark.chat", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := ai.backend.Chat(ctx, req)
	ai.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ai.logger.Error("chat request failed", "model", req.Model, "error", err)
		return backend.ResponseMessage{}, err
	}

	ai.recordMetrics(ctx, resp.Usage)

	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, ErrEmptyResponse.Error())
		return backend.ResponseMessage{}, ErrEmptyResponse
	}
	msg := resp.Choices[0].Message

	// Reasoning replies are not cached; the reasoning would be lost
	if ai.cache != nil && msg.ReasoningContent == "" {
		ai.cache.Set(ctx, cacheKey, msg.Content)
	}
	return msg, nil
}

// stream runs a streamed request, calling fn for each delta until fn
// returns false or the stream ends
func (ai *AI) stream(ctx context.Context, req backend.ChatRequest, fn func(backend.Delta) bool) error {
	ctx, span := ai.tracer.Start(ctx, "ark.chat_stream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deltas, errs := ai.backend.ChatStream(ctx, req)
	stopped := false
	for d := range deltas {
		if d.Usage != nil {
			ai.recordMetrics(ctx, d.Usage)
		}
		if stopped {
			continue
		}
		if !fn(d) {
			stopped = true
			cancel()
		}
	}
	ai.duration.Record(ctx, float64(time.Since(start).Milliseconds()))

	err := <-errs
	if stopped && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ai.logger.Error("stream request failed", "model", req.Model, "error", err)
		return err
	}
	return nil
}

// recordMetrics records OpenTelemetry metrics from usage data
func (ai *AI) recordMetrics(ctx context.Context, usage map[string]interface{}) {
	if usage == nil {
		return
	}

	for key, value := range usage {
		if intVal, ok := value.(float64); ok {
			counter, err := ai.meter.Int64Counter(
				fmt.Sprintf("llm.usage.%s", key),
				metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
			)
			if err != nil {
				ai.logger.Warn("failed to create counter", "key", key, "error", err)
				continue
			}
			counter.Add(ctx, int64(intVal))
		}
	}
}

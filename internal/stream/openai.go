package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"
)

// ChatCompletionStreamer starts a streaming chat completion. It is satisfied
// by the OpenAI client's Chat.Completions service.
type ChatCompletionStreamer interface {
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIDialer streams chat completions from an OpenAI-compatible API and
// presents them as stream frames: a metadata frame, one content frame per
// delta and an end frame carrying the assembled reply.
//
// The request body is {"model": "...", "messages": [{"role", "content"}]};
// the model falls back to the dialer's default. Completions cannot be
// resumed, so a reconnect fails with ErrNotResumable.
type OpenAIDialer struct {
	completions ChatCompletionStreamer
	model       string
}

// NewOpenAIDialer returns a dialer using an OpenAI client built from opts.
func NewOpenAIDialer(apiKey, model string, opts ...option.RequestOption) *OpenAIDialer {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIDialer{completions: client.Chat.Completions, model: model}
}

func (d *OpenAIDialer) Dial(ctx context.Context, req Request, resume string) (FrameReader, error) {
	if resume != "" {
		return nil, ErrNotResumable
	}

	params, err := d.params(req.Body)
	if err != nil {
		return nil, &RemoteError{Code: "invalid_request", Message: err.Error()}
	}

	s := d.completions.NewStreaming(ctx, params)
	r := &openAIReader{stream: s}
	// The first chunk proves the completion started.
	if !s.Next() {
		err := s.Err()
		s.Close()
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		r.finish()
		return r, nil
	}
	r.add(s.Current())
	return r, nil
}

func (d *OpenAIDialer) params(body []byte) (openai.ChatCompletionNewParams, error) {
	model := d.model
	if m := gjson.GetBytes(body, "model"); m.Type == gjson.String && m.String() != "" {
		model = m.String()
	}
	if model == "" {
		return openai.ChatCompletionNewParams{}, errors.New("model is required")
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		content := m.Get("content").String()
		switch m.Get("role").String() {
		case "system":
			messages = append(messages, openai.SystemMessage(content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(content))
		default:
			messages = append(messages, openai.UserMessage(content))
		}
	}
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("at least one message is required")
	}

	return openai.ChatCompletionNewParams{
		Messages: openai.F(messages),
		Model:    openai.F(openai.ChatModel(model)),
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != 408 && apiErr.StatusCode != 429 {
		return &RemoteError{Code: fmt.Sprintf("http_%d", apiErr.StatusCode), Message: apiErr.Error()}
	}
	return err
}

type openAIReader struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	pending []Frame
	seq     int64
	started bool
	ended   bool

	id      string
	model   string
	reason  string
	content strings.Builder
}

func (r *openAIReader) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}
		if r.ended {
			return Frame{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !r.stream.Next() {
			if err := r.stream.Err(); err != nil {
				return Frame{}, err
			}
			r.finish()
			continue
		}
		r.add(r.stream.Current())
	}
}

func (r *openAIReader) add(chunk openai.ChatCompletionChunk) {
	if !r.started {
		r.started = true
		r.id, r.model = chunk.ID, chunk.Model
		r.push("metadata", map[string]any{"model": chunk.Model, "completionId": chunk.ID})
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			r.content.WriteString(choice.Delta.Content)
			r.push("content", map[string]any{"text": choice.Delta.Content})
		}
		if choice.FinishReason != "" {
			r.reason = string(choice.FinishReason)
		}
	}
}

func (r *openAIReader) finish() {
	if r.ended {
		return
	}
	r.push("end", map[string]any{
		"content":      r.content.String(),
		"model":        r.model,
		"completionId": r.id,
		"finishReason": r.reason,
	})
	r.ended = true
}

func (r *openAIReader) push(typ string, payload map[string]any) {
	r.seq++
	payload["seq"] = r.seq
	data, _ := json.Marshal(payload)
	r.pending = append(r.pending, Frame{Type: typ, Data: data})
}

func (r *openAIReader) Close() error {
	if r.stream == nil {
		return nil
	}
	return r.stream.Close()
}

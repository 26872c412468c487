package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/openai/openai-go/option"
)

func TestSSEDialer_ResumesWithLastEventID(t *testing.T) {
	var mu sync.Mutex
	var lastEventIDs []string

	r := chi.NewRouter()
	r.Get("/conversations/{id}/stream", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		lastEventIDs = append(lastEventIDs, req.Header.Get("Last-Event-ID"))
		call := len(lastEventIDs)
		mu.Unlock()

		if req.URL.Query().Get("model") != "small" {
			http.Error(w, "missing model", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		if call == 1 {
			fmt.Fprint(w, ": keep-alive\n\n")
			fmt.Fprint(w, "id: 1\nevent: content\ndata: {\"text\":\"Hel\"}\n\n")
			flusher.Flush()
			return // drop without an end frame
		}
		fmt.Fprint(w, "id: 2\nevent: content\ndata: {\"text\":\"lo\"}\n\n")
		fmt.Fprint(w, "id: 3\nevent: metadata\ndata: {\"model\":\"small\"}\n\n")
		fmt.Fprint(w, "id: 4\nevent: end\ndata: {\"content\":\"Hello\"}\n\n")
		flusher.Flush()
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	tr, _ := newTestTransport(&SSEDialer{Client: srv.Client()}, testOptions())
	c, err := tr.Connect(context.Background(), "conv-1", Request{
		Endpoint: srv.URL + "/conversations/conv-1/stream",
		Params:   map[string]string{"model": "small"},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, c)

	if c.Outcome().Status != Completed {
		t.Fatalf("outcome = %+v", c.Outcome())
	}
	if c.Partial() != "Hello" {
		t.Errorf("partial = %q, want Hello", c.Partial())
	}
	if len(events) != 4 || events[2].Metadata["model"] != "small" {
		t.Errorf("events = %+v", events)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lastEventIDs) != 2 || lastEventIDs[0] != "" || lastEventIDs[1] != "1" {
		t.Errorf("Last-Event-ID headers = %q, want [\"\" \"1\"]", lastEventIDs)
	}
}

func TestSSEDialer_ClientErrorIsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such conversation", http.StatusNotFound)
	}))
	defer srv.Close()

	d := &SSEDialer{Client: srv.Client()}
	_, err := d.Dial(context.Background(), Request{Endpoint: srv.URL}, "")
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != "http_404" {
		t.Fatalf("Dial() error = %v, want http_404 remote error", err)
	}
	if remote.Message != "no such conversation" {
		t.Errorf("message = %q", remote.Message)
	}
}

func TestSSEDialer_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &SSEDialer{Client: srv.Client()}
	_, err := d.Dial(context.Background(), Request{Endpoint: srv.URL}, "")
	var remote *RemoteError
	if err == nil || errors.As(err, &remote) {
		t.Errorf("Dial() error = %v, want a plain retryable error", err)
	}
}

func TestSSEDialer_PostsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&body) != nil || body["prompt"] != "hi" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content\",\"text\":\"multi\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	tr, _ := newTestTransport(&SSEDialer{Client: srv.Client()}, testOptions())
	c, _ := tr.Connect(context.Background(), "conv-1", Request{
		Endpoint: srv.URL,
		Body:     json.RawMessage(`{"prompt":"hi"}`),
	})
	collect(t, c)

	if c.Outcome().Status != Completed || c.Partial() != "multi" {
		t.Errorf("outcome = %+v partial = %q", c.Outcome(), c.Partial())
	}
}

func TestWebSocketDialer(t *testing.T) {
	var mu sync.Mutex
	var resumes []string

	r := chi.NewRouter()
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		resumes = append(resumes, req.URL.Query().Get("last_event_id"))
		call := len(resumes)
		mu.Unlock()

		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := req.Context()

		_, prompt, err := conn.Read(ctx)
		if err != nil || string(prompt) != `{"prompt":"hi"}` {
			conn.Close(websocket.StatusPolicyViolation, "bad prompt")
			return
		}

		if call == 1 {
			conn.Write(ctx, websocket.MessageText, []byte(`{"type":"content","seq":1,"text":"a"}`))
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"content","seq":1,"text":"a"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"progress","seq":2,"progress":80}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"content","seq":3,"text":"b"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"end","seq":4,"content":"ab"}`))
		conn.Close(websocket.StatusNormalClosure, "")
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	tr, _ := newTestTransport(&WebSocketDialer{}, testOptions())
	c, _ := tr.Connect(context.Background(), "conv-1", Request{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Body:     json.RawMessage(`{"prompt":"hi"}`),
	})
	events := collect(t, c)

	if c.Outcome().Status != Completed {
		t.Fatalf("outcome = %+v", c.Outcome())
	}
	if c.Partial() != "ab" {
		t.Errorf("partial = %q, want ab", c.Partial())
	}
	if len(events) != 4 || events[1].Progress != 80 {
		t.Errorf("events = %+v", events)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(resumes) != 2 || resumes[1] != "1" {
		t.Errorf("resume params = %q", resumes)
	}
}

func chatChunk(content, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = `"` + finish + `"`
	}
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":%q},"finish_reason":%s}]}`,
		content, finishJSON)
}

func newOpenAIServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || !body.Stream || len(body.Messages) == 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	return httptest.NewServer(r)
}

func TestOpenAIDialer_StreamsCompletion(t *testing.T) {
	srv := newOpenAIServer(t, []string{
		chatChunk("Hel", ""),
		chatChunk("lo", ""),
		chatChunk("", "stop"),
	})
	defer srv.Close()

	d := NewOpenAIDialer("test-key", "gpt-4o-mini",
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithMaxRetries(0),
	)
	tr, _ := newTestTransport(d, testOptions())
	c, _ := tr.Connect(context.Background(), "conv-1", Request{
		Body: json.RawMessage(`{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"say hello"}]}`),
	})
	events := collect(t, c)

	out := c.Outcome()
	if out.Status != Completed {
		t.Fatalf("outcome = %+v", out)
	}
	if c.Partial() != "Hello" {
		t.Errorf("partial = %q, want Hello", c.Partial())
	}

	kinds := []Kind{KindMetadata, KindContent, KindContent, KindEnd}
	if len(events) != len(kinds) {
		t.Fatalf("events = %+v", events)
	}
	for i, k := range kinds {
		if events[i].Kind != k {
			t.Errorf("event %d = %s, want %s", i, events[i].Kind, k)
		}
	}
	if events[0].Metadata["model"] != "gpt-4o-mini" {
		t.Errorf("metadata = %v", events[0].Metadata)
	}

	var final struct {
		Content      string `json:"content"`
		FinishReason string `json:"finishReason"`
	}
	if err := json.Unmarshal(out.Final, &final); err != nil {
		t.Fatal(err)
	}
	if final.Content != "Hello" || final.FinishReason != "stop" {
		t.Errorf("final = %+v", final)
	}
}

func TestOpenAIDialer_RejectsResume(t *testing.T) {
	d := &OpenAIDialer{model: "gpt-4o-mini"}
	if _, err := d.Dial(context.Background(), Request{}, "3"); !errors.Is(err, ErrNotResumable) {
		t.Errorf("Dial() error = %v, want ErrNotResumable", err)
	}
}

func TestOpenAIDialer_InvalidRequest(t *testing.T) {
	d := &OpenAIDialer{model: "gpt-4o-mini"}
	_, err := d.Dial(context.Background(), Request{Body: json.RawMessage(`{}`)}, "")
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != "invalid_request" {
		t.Errorf("Dial() error = %v, want invalid_request", err)
	}
}

func TestOpenAIDialer_ClientErrorIsRemote(t *testing.T) {
	srv := newOpenAIServer(t, nil)
	defer srv.Close()

	d := NewOpenAIDialer("test-key", "gpt-4o-mini",
		option.WithBaseURL(srv.URL+"/nothing-here/"),
		option.WithMaxRetries(0),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.Dial(ctx, Request{Body: json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`)}, "")
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != "http_404" {
		t.Errorf("Dial() error = %v, want http_404", err)
	}
}

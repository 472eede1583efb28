// Package llmtest provides fakes for code that talks to a completion backend.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/mgerstgrasser/tacheles/internal/llm"
)

// Streamer is an in-process llm.Streamer that replays Fragments.
type Streamer struct {
	Fragments []string
	// Err is returned instead of starting the stream when FailAfter is zero,
	// otherwise after FailAfter fragments have been delivered.
	Err       error
	FailAfter int

	mu       sync.Mutex
	requests []llm.Request
}

func (s *Streamer) Stream(ctx context.Context, req llm.Request, fn llm.StreamFunc) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.Err != nil && s.FailAfter == 0 {
		return s.Err
	}
	for i, fragment := range s.Fragments {
		if s.Err != nil && i == s.FailAfter {
			return s.Err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, fragment); err != nil {
			return err
		}
	}
	if s.Err != nil {
		return s.Err
	}
	return nil
}

// Requests returns every request the fake has received.
func (s *Streamer) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Upstream is an httptest.Server that simulates an OpenAI-compatible
// /v1/chat/completions endpoint streaming Fragments as SSE chunks.
type Upstream struct {
	Server    *httptest.Server
	Fragments []string
	// Status, when set, is returned instead of a stream.
	Status int

	mu          sync.Mutex
	lastRequest map[string]any
}

func NewUpstream(fragments ...string) *Upstream {
	u := &Upstream{Fragments: fragments}
	u.Server = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

func (u *Upstream) Close() {
	u.Server.Close()
}

// URL returns the base URL clients should be configured with.
func (u *Upstream) URL() string {
	return u.Server.URL + "/v1"
}

// LastRequest returns the most recent decoded request body.
func (u *Upstream) LastRequest() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastRequest
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.lastRequest = body
	u.mu.Unlock()

	if u.Status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(u.Status)
		fmt.Fprint(w, `{"error":{"message":"upstream unavailable","type":"server_error"}}`)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, hasFlusher := w.(http.Flusher)

	model, _ := body["model"].(string)
	for _, fragment := range u.Fragments {
		writeChunk(w, model, map[string]any{"role": "assistant", "content": fragment}, nil)
		if hasFlusher {
			flusher.Flush()
		}
	}
	stop := "stop"
	writeChunk(w, model, map[string]any{}, &stop)
	fmt.Fprint(w, "data: [DONE]\n\n")
	if hasFlusher {
		flusher.Flush()
	}
}

func writeChunk(w http.ResponseWriter, model string, delta map[string]any, finishReason *string) {
	chunk := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

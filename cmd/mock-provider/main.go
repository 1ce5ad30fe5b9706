// Package main implements a mock inference provider for local development
// and end-to-end testing. It serves OpenAI-compatible /v1/chat/completions
// responses without a real model, so the orchestrator and worker can be
// exercised fast, deterministically, and offline.
//
// Usage:
//
//	mock-provider -port 11434 -latency 50ms
//
// The assistant reply is a deterministic transformation of the prompt.
// Prompts may carry a directive prefix to exercise failure handling:
//
//	FAIL:503 <text>   respond with HTTP 503 (transient for the client)
//	FAIL:400 <text>   respond with HTTP 400 (fatal for the client)
//	FAIL:503x2 <text> fail the first 2 calls for this prompt, then succeed
//	EMPTY <text>      respond 200 with blank content (malformed)
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// failDirectiveRe matches prompt prefixes like "FAIL:503" or "FAIL:429x3".
var failDirectiveRe = regexp.MustCompile(`^FAIL:(\d{3})(?:x(\d+))?\s*`)

type server struct {
	latency time.Duration
	calls   atomic.Int64

	// Per-prompt failure counters for FAIL:NNNxK directives. Keyed by the
	// full prompt text so retries of the same task share a counter.
	failCounts   map[string]int
	failCountsMu sync.Mutex
}

func newServer(latency time.Duration) *server {
	return &server{
		latency:    latency,
		failCounts: make(map[string]int),
	}
}

func main() {
	port := flag.Int("port", 11434, "port to listen on")
	latency := flag.Duration("latency", 0, "artificial delay before each response")
	flag.Parse()

	s := newServer(*latency)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock provider listening on %s (latency %s)", addr, *latency)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	prompt := lastUserContent(req.Messages)
	if prompt == "" {
		http.Error(w, "no user message in request", http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	log.Printf("[call %d] model=%s prompt_len=%d", callNum, req.Model, len(prompt))

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	if status, remaining, ok := s.checkFailDirective(prompt); ok {
		log.Printf("[call %d] injected failure status=%d", callNum, status)
		http.Error(w, fmt.Sprintf("injected failure (%d remaining)", remaining), status)
		return
	}

	content := completionFor(prompt)
	if strings.HasPrefix(prompt, "EMPTY") {
		content = ""
	}

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls": s.calls.Load(),
	})
}

// checkFailDirective parses a FAIL:NNN or FAIL:NNNxK prompt prefix. With a
// repeat count the directive fails only the first K calls for that prompt,
// which lets a single task exercise retry-then-succeed.
func (s *server) checkFailDirective(prompt string) (status, remaining int, fail bool) {
	m := failDirectiveRe.FindStringSubmatch(prompt)
	if m == nil {
		return 0, 0, false
	}

	status, _ = strconv.Atoi(m[1])
	if m[2] == "" {
		return status, -1, true
	}

	limit, _ := strconv.Atoi(m[2])
	s.failCountsMu.Lock()
	defer s.failCountsMu.Unlock()
	if s.failCounts[prompt] >= limit {
		return 0, 0, false
	}
	s.failCounts[prompt]++
	return status, limit - s.failCounts[prompt], true
}

// lastUserContent returns the content of the final user message.
func lastUserContent(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// completionFor builds a deterministic reply so tests can assert on output.
func completionFor(prompt string) string {
	trimmed := failDirectiveRe.ReplaceAllString(prompt, "")
	trimmed = strings.TrimSpace(trimmed)
	if len(trimmed) > 120 {
		trimmed = trimmed[:120]
	}
	return fmt.Sprintf("Mock completion for: %s", trimmed)
}

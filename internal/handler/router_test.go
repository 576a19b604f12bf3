package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
)

func TestRouterWiring(t *testing.T) {
	router := NewRouter(Services{
		Turns:          orchestrator.NewPipeline(orchestrator.Deps{Store: memory.NewMemoryStore(10)}, orchestrator.Options{}),
		Store:          memory.NewMemoryStore(10),
		Agents:         agent.NewMemoryStore(agent.Seed()),
		AllowedOrigins: []string{"*"},
		Backends:       map[string]string{"stt": "mock", "llm": "mock", "tts": "mock"},
	})

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"health", http.MethodGet, "/api/health", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"agents", http.MethodGet, "/api/agents", http.StatusOK},
		{"sessions", http.MethodGet, "/api/voice/sessions", http.StatusOK},
		{"telephony disabled", http.MethodGet, "/api/telephony/calls", http.StatusNotImplemented},
		{"voices disabled", http.MethodGet, "/api/voices", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHealthReportsBackends(t *testing.T) {
	router := NewRouter(Services{
		Store:    memory.NewMemoryStore(10),
		Agents:   agent.NewMemoryStore(agent.Seed()),
		Backends: map[string]string{"stt": "google"},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Backends["stt"] != "google" {
		t.Fatalf("unexpected health %+v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header with empty origin list")
	}
}

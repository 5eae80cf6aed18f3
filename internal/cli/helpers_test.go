package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testClient(t *testing.T, h http.HandlerFunc) *client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	apiAddr = ts.URL
	t.Cleanup(func() { apiAddr = "" })
	c, err := newClient()
	if err != nil {
		t.Fatalf("newClient() error: %v", err)
	}
	return c
}

func TestClient_DecodesSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": body["content"]})
	})

	var out map[string]string
	if err := c.do("POST", "/api/messages", map[string]string{"content": "hi"}, &out); err != nil {
		t.Fatalf("do() error: %v", err)
	}
	if out["echo"] != "hi" {
		t.Errorf("echo = %q, want hi", out["echo"])
	}
}

func TestClient_APIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"retryable", `{"error":{"message":"transport unavailable","retryable":true}}`, "transport unavailable (retryable)"},
		{"plain", `{"error":{"message":"peer not found"}}`, "peer not found"},
		{"no body", ``, "503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(tt.body))
			})
			err := c.do("GET", "/api/transports", nil, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("do() = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestNewClient_AddsScheme(t *testing.T) {
	apiAddr = "127.0.0.1:9999/"
	defer func() { apiAddr = "" }()

	c, err := newClient()
	if err != nil {
		t.Fatal(err)
	}
	if c.base != "http://127.0.0.1:9999" {
		t.Errorf("base = %q", c.base)
	}
}

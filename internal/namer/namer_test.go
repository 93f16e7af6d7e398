package namer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/minidani/internal/llm"
	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/namer"
)

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Add OAuth2 authentication!", "add-oauth2-authentication"},
		{"  ", "feature"},
		{"???", "feature"},
		{"Implement a very long feature description that goes on and on", "implement-a-very-long-feature"},
		{"Fix: login -- bug", "fix-login-bug"},
	}
	for _, tt := range tests {
		if got := namer.Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if len(namer.Slug(tt.in)) > 30 {
			t.Errorf("Slug(%q) longer than 30", tt.in)
		}
	}
}

func chatServer(t *testing.T, content string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestName(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		delay    time.Duration
		noClient bool
		override string
		prefix   string
		want     string
	}{
		{name: "model suggestion", reply: `{"branch_name": "oauth-auth"}`, prefix: "team/", want: "team/oauth-auth"},
		{name: "model prefix stripped", reply: `{"branch_name": "feat/Login Bug"}`, want: "login-bug"},
		{name: "bad json falls back", reply: `sure! login-bug`, want: "add-oauth2-authentication"},
		{name: "empty name falls back", reply: `{"branch_name": ""}`, want: "add-oauth2-authentication"},
		{name: "timeout falls back", reply: `{"branch_name": "late"}`, delay: 2 * time.Second, want: "add-oauth2-authentication"},
		{name: "no client", noClient: true, prefix: "me/", want: "me/add-oauth2-authentication"},
		{name: "override wins", reply: `{"branch_name": "oauth-auth"}`, override: "my-branch", prefix: "x/", want: "x/my-branch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &namer.Namer{
				Override: tt.override,
				Prefix:   tt.prefix,
				Timeout:  200 * time.Millisecond,
				Log:      logging.Discard(),
			}
			if !tt.noClient {
				srv := chatServer(t, tt.reply, tt.delay)
				n.Client = &llm.Client{BaseURL: srv.URL, Model: "m"}
			}
			got, err := n.Name(context.Background(), "Add OAuth2 authentication")
			if err != nil {
				t.Fatalf("Name: %v", err)
			}
			if got != tt.want {
				t.Errorf("Name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNameRejectsInvalidOverride(t *testing.T) {
	n := &namer.Namer{Override: "bad name..lock", Log: logging.Discard()}
	_, err := n.Name(context.Background(), "task")
	if err == nil || !strings.Contains(err.Error(), "branch name") {
		t.Errorf("err = %v", err)
	}
}

package providers

import (
	"context"
	"testing"

	"github.com/clawlite/clawlite/internal/errs"
)

func TestResolveSelection(t *testing.T) {
	r := NewResolver(Credentials{Anthropic: "k", OpenAI: "k"}, "anthropic/claude-sonnet-4-5", nil, "")

	tests := []struct {
		selection string
		provider  string
		model     string
		wantErr   bool
	}{
		{"anthropic/claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5", false},
		{"openai/gpt-4o-mini", "openai", "gpt-4o-mini", false},
		{"ollama/llama3", "ollama", "llama3", false},
		{"nomodel", "", "", true},
		{"unknownvendor/x", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.selection, func(t *testing.T) {
			p, model, err := r.Resolve(tt.selection)
			if tt.wantErr {
				if !errs.Is(err, errs.ConfigInvalid) {
					t.Errorf("err = %v, want config_invalid", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Name() != tt.provider || model != tt.model {
				t.Errorf("got %s/%s, want %s/%s", p.Name(), model, tt.provider, tt.model)
			}
		})
	}
}

func TestCallWalksFallbackChain(t *testing.T) {
	r := NewResolver(Credentials{Anthropic: "k", OpenAI: "k", Groq: "k"},
		"anthropic/primary", []string{"openai/backup"}, "")

	calls := 0
	result, err := r.Call(context.Background(), func(p Provider, model string) (*ChatResponse, error) {
		calls++
		if p.Name() == "anthropic" {
			return nil, errs.New(errs.ProviderTimeout, "anthropic: deadline")
		}
		return &ChatResponse{Content: "ok"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if result.Mode != ModeFallback {
		t.Errorf("mode = %s, want fallback", result.Mode)
	}
	if result.Provider != "openai" {
		t.Errorf("provider = %s", result.Provider)
	}
	if result.Reason == "" {
		t.Error("fallback reason not recorded")
	}
}

func TestCallStopsOnNonRetryable(t *testing.T) {
	r := NewResolver(Credentials{Anthropic: "k", OpenAI: "k"},
		"anthropic/primary", []string{"openai/backup"}, "")

	calls := 0
	_, err := r.Call(context.Background(), func(p Provider, model string) (*ChatResponse, error) {
		calls++
		return nil, errs.New(errs.AuthInvalid, "bad key")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-retryable error advanced the chain: %d calls", calls)
	}
}

func TestCallPrimarySuccess(t *testing.T) {
	r := NewResolver(Credentials{Anthropic: "k"}, "anthropic/m", nil, "")
	result, err := r.Call(context.Background(), func(p Provider, model string) (*ChatResponse, error) {
		return &ChatResponse{Content: "pong"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Mode != ModeOnline || result.Reason != "" {
		t.Errorf("mode=%s reason=%q, want online with empty reason", result.Mode, result.Reason)
	}
}

package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/clawlite/clawlite/internal/errs"
)

// Mode records which leg of the provider chain produced a response.
type Mode string

const (
	ModeOnline   Mode = "online"
	ModeFallback Mode = "fallback"
	ModeOffline  Mode = "offline"
)

// Credentials holds per-vendor API keys, env-first with config fallback.
type Credentials struct {
	Anthropic  string
	OpenAI     string
	OpenRouter string
	Groq       string
}

// Resolver turns "vendor/model" selections into Provider instances and
// walks the fallback chain on retryable failures.
type Resolver struct {
	creds      Credentials
	primary    string   // "vendor/model"
	fallbacks  []string // tried in order
	offlineURL string   // OpenAI-compatible local endpoint ("" = offline disabled)
}

// NewResolver builds the provider chain. offlineURL enables the local
// last-resort provider (e.g. an Ollama endpoint).
func NewResolver(creds Credentials, primary string, fallbacks []string, offlineURL string) *Resolver {
	return &Resolver{creds: creds, primary: primary, fallbacks: fallbacks, offlineURL: offlineURL}
}

// Resolve instantiates the provider for one "vendor/model" selection.
func (r *Resolver) Resolve(selection string) (Provider, string, error) {
	vendor, model, ok := strings.Cut(selection, "/")
	if !ok {
		return nil, "", errs.New(errs.ConfigInvalid, "provider selection %q is not vendor/model", selection)
	}

	switch vendor {
	case "anthropic":
		return NewAnthropicProvider(r.creds.Anthropic, model), model, nil
	case "openai":
		return NewOpenAIProvider("openai", r.creds.OpenAI, "", model), model, nil
	case "openrouter":
		return NewOpenAIProvider("openrouter", r.creds.OpenRouter, "https://openrouter.ai/api/v1", model), model, nil
	case "groq":
		return NewOpenAIProvider("groq", r.creds.Groq, "https://api.groq.com/openai/v1", model), model, nil
	case "ollama", "local":
		base := r.offlineURL
		if base == "" {
			base = "http://127.0.0.1:11434/v1"
		}
		return NewOpenAIProvider("ollama", "", base, model), model, nil
	default:
		return nil, "", errs.New(errs.ConfigInvalid, "unknown provider vendor %q", vendor)
	}
}

// Attempt is one step the chain took, recorded for AssistantResult meta.
type Attempt struct {
	Selection string
	Mode      Mode
	Err       error
}

// ChainResult is a successful call plus the path taken to it.
type ChainResult struct {
	Response *ChatResponse
	Model    string
	Provider string
	Mode     Mode
	Reason   string // why the chain moved off the primary ("" when primary served)
}

// Call runs fn against the primary provider, then the fallbacks in order,
// then the offline provider. Only retryable failures advance the chain;
// partial streams are discarded by the caller's fn contract (chat calls
// are idempotent for fallback purposes).
func (r *Resolver) Call(ctx context.Context, fn func(p Provider, model string) (*ChatResponse, error)) (*ChainResult, error) {
	selections := append([]string{r.primary}, r.fallbacks...)

	var attempts []Attempt
	for i, sel := range selections {
		p, model, err := r.Resolve(sel)
		if err != nil {
			attempts = append(attempts, Attempt{Selection: sel, Err: err})
			continue
		}

		resp, err := fn(p, model)
		if err == nil {
			mode := ModeOnline
			reason := ""
			if i > 0 {
				mode = ModeFallback
				reason = fallbackReason(attempts)
			}
			return &ChainResult{Response: resp, Model: model, Provider: p.Name(), Mode: mode, Reason: reason}, nil
		}

		attempts = append(attempts, Attempt{Selection: sel, Err: err})
		if !retryable(err) {
			return nil, err
		}
		slog.Warn("provider.fallback", "from", sel, "error", err)
	}

	if r.offlineURL != "" && r.probeOffline(ctx) {
		p := NewOpenAIProvider("ollama", "", r.offlineURL, "")
		resp, err := fn(p, p.DefaultModel())
		if err == nil {
			return &ChainResult{
				Response: resp, Model: p.DefaultModel(), Provider: p.Name(),
				Mode: ModeOffline, Reason: fallbackReason(attempts),
			}, nil
		}
		attempts = append(attempts, Attempt{Selection: "ollama", Err: err})
	}

	if len(attempts) > 0 {
		return nil, attempts[len(attempts)-1].Err
	}
	return nil, errs.New(errs.ConfigInvalid, "no providers configured")
}

// retryable reports whether a failure should advance the fallback chain.
func retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.ProviderTimeout, errs.ProviderRateLimited, errs.AuthMissing, errs.ProviderSendFailed:
		return true
	}
	return false
}

func fallbackReason(attempts []Attempt) string {
	if len(attempts) == 0 {
		return ""
	}
	last := attempts[len(attempts)-1]
	return fmt.Sprintf("%s: %s", last.Selection, errs.KindOf(last.Err))
}

// probeOffline checks the local endpoint is reachable before committing
// a full chat request to it.
func (r *Resolver) probeOffline(ctx context.Context) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(r.offlineURL, "http://"), "https://")
	if idx := strings.IndexByte(host, '/'); idx > 0 {
		host = host[:idx]
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

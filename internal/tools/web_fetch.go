package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	fetchMaxChars    = 50000
	fetchMaxRedirect = 3
	fetchTimeout     = 30 * time.Second
	fetchUserAgent   = "clawlite/1.0 (+https://github.com/clawlite/clawlite)"
)

// WebFetchTool fetches a URL and returns its content as plain text.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	t := &WebFetchTool{maxChars: fetchMaxChars}
	t.client = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > fetchMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirect)
			}
			return checkSSRF(req.URL)
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch an http(s) URL and return its content as text. HTML is stripped to readable text."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"max_chars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid url: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkSSRF(parsed); err != nil {
		return ErrorResult(fmt.Sprintf("blocked: %v", err))
	}

	maxChars := t.maxChars
	if mc, ok := args["max_chars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	// Read extra to leave room for HTML markup that stripping removes.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err))
	}

	text := string(body)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		text = htmlToText(text)
	}
	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n", resp.Request.URL, resp.StatusCode)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit %d chars)\n", maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return SilentResult(sb.String())
}

// checkSSRF rejects URLs that resolve to loopback, private, or
// link-local addresses.
func checkSSRF(u *url.URL) error {
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%s resolves to restricted address %s", host, ip)
		}
	}
	return nil
}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</\w+>`)
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

func htmlToText(s string) string {
	s = htmlScriptRe.ReplaceAllString(s, "")
	s = htmlTagRe.ReplaceAllString(s, "\n")
	s = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRunRe.ReplaceAllString(s, "\n\n"))
}

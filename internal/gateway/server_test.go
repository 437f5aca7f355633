package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawlite/clawlite/internal/agent"
	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/config"
	"github.com/clawlite/clawlite/internal/cron"
	"github.com/clawlite/clawlite/internal/errs"
	"github.com/clawlite/clawlite/pkg/protocol"
)

type fakeEngine struct {
	reply  string
	chunks []string
	err    error
}

func (f *fakeEngine) Run(ctx context.Context, sessionID, text string) (*agent.AssistantResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &agent.AssistantResult{Text: f.reply, Meta: agent.Meta{Model: "test-model", Turns: 1}}, nil
}

func (f *fakeEngine) RunStream(ctx context.Context, sessionID, text string, onChunk func(string)) (*agent.AssistantResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		onChunk(c)
	}
	return &agent.AssistantResult{Text: f.reply, Meta: agent.Meta{Model: "test-model", Turns: 1}}, nil
}

func (f *fakeEngine) ActiveSessions() []string { return nil }

type fakeCronStore struct {
	jobs   map[int64]*cron.Job
	nextID int64
}

func newFakeCronStore() *fakeCronStore {
	return &fakeCronStore{jobs: make(map[int64]*cron.Job)}
}

func (f *fakeCronStore) Add(sessionID, expression, prompt, name string) (*cron.Job, error) {
	if _, err := cron.ParseExpression(expression, time.Now()); err != nil {
		return nil, err
	}
	f.nextID++
	job := &cron.Job{ID: f.nextID, SessionID: sessionID, Name: name, Expression: expression, Prompt: prompt, Enabled: true}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeCronStore) List() ([]*cron.Job, error) {
	var out []*cron.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeCronStore) ListSession(sessionID string) ([]*cron.Job, error) {
	var out []*cron.Job
	for _, j := range f.jobs {
		if j.SessionID == sessionID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeCronStore) Remove(id int64) error {
	if _, ok := f.jobs[id]; !ok {
		return errs.New(errs.ToolInvalidArgs, "cron job %d not found", id)
	}
	delete(f.jobs, id)
	return nil
}

const testToken = "secret-token"

func newTestServer(t *testing.T, engine Engine) (*Server, *httptest.Server) {
	t.Helper()
	b := bus.New(16, time.Minute)
	t.Cleanup(b.Close)

	cfg := config.GatewayConfig{Host: "127.0.0.1", Port: 0, Token: testToken}
	s := NewServer(cfg, engine, newFakeCronStore(), b, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if !h.OK {
		t.Error("health response not ok")
	}

	// The ok field is a JSON boolean, not a status string.
	resp2, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp2.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["ok"]) != "true" {
		t.Errorf(`ok = %s, want true`, raw["ok"])
	}
}

func TestChatRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/chat", "", chatRequest{Text: "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/chat", "wrong", chatRequest{Text: "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}
}

func TestChatRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "hello back"})

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/chat", testToken, chatRequest{Text: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Text != "hello back" {
		t.Errorf("text = %q", out.Text)
	}
	if !strings.HasPrefix(out.SessionID, "ws:") {
		t.Errorf("generated session id = %q, want ws: prefix", out.SessionID)
	}
	if out.Meta.Model != "test-model" {
		t.Errorf("meta = %+v", out.Meta)
	}
}

func TestChatRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/chat", testToken, chatRequest{Text: "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty text status = %d, want 400", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", raw.StatusCode)
	}
}

func TestChatProviderFailureIs503(t *testing.T) {
	engine := &fakeEngine{err: errs.New(errs.ProviderTimeout, "all providers timed out")}
	_, ts := newTestServer(t, engine)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/chat", testToken, chatRequest{Text: "hi"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCronLifecycle(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	// Literal wire shape: session_id + expression + prompt + name.
	body := strings.NewReader(`{"session_id":"cli:ops","expression":"every 60","prompt":"check mail","name":"mail"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/cron/add", body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	var added struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		t.Fatal(err)
	}
	if added.JobID == 0 {
		t.Fatalf("add response missing job_id")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/cron/list", testToken, nil)
	var listing struct {
		Jobs []*cron.Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(listing.Jobs))
	}
	if j := listing.Jobs[0]; j.Prompt != "check mail" || j.Name != "mail" || j.SessionID != "cli:ops" {
		t.Errorf("job = %+v", j)
	}

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/v1/cron/%d", ts.URL, added.JobID), testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("remove status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/v1/cron/%d", ts.URL, added.JobID), testToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("remove missing status = %d, want 404", resp.StatusCode)
	}
}

func TestCronListFiltersBySession(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	for _, req := range []cronAddRequest{
		{SessionID: "cli:ops", Expression: "every 60", Prompt: "a"},
		{SessionID: "telegram:42", Expression: "every 60", Prompt: "b"},
	} {
		resp := doJSON(t, http.MethodPost, ts.URL+"/v1/cron/add", testToken, req)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("add status = %d", resp.StatusCode)
		}
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/cron/list?session_id=cli:ops", testToken, nil)
	var listing struct {
		Jobs []*cron.Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Jobs) != 1 || listing.Jobs[0].SessionID != "cli:ops" {
		t.Errorf("filtered jobs = %+v", listing.Jobs)
	}
}

func TestCronAddRejectsBadExpression(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/cron/add", testToken,
		cronAddRequest{Expression: "whenever", Prompt: "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/status", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Health != "ok" {
		t.Errorf("health = %s, want ok with no channels", out.Health)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	b := bus.New(16, time.Minute)
	defer b.Close()

	cfg := config.GatewayConfig{Token: testToken, RateLimitRPM: 2}
	s := NewServer(cfg, &fakeEngine{reply: "ok"}, newFakeCronStore(), b, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var last int
	for i := 0; i < 4; i++ {
		resp := doJSON(t, http.MethodGet, ts.URL+"/v1/status", testToken, nil)
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("4th request status = %d, want 429", last)
	}
}

func TestWSChatStreaming(t *testing.T) {
	engine := &fakeEngine{reply: "full reply", chunks: []string{"full ", "reply"}}
	_, ts := newTestServer(t, engine)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ClientFrame{Type: protocol.FrameChat, Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	var frames []protocol.ServerFrame
	for {
		var f protocol.ServerFrame
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		frames = append(frames, f)
		if f.Type == protocol.FrameChatDone || f.Type == protocol.FrameError {
			break
		}
	}

	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 2 chunks + done", len(frames))
	}
	if frames[0].Type != protocol.FrameChatChunk || frames[0].Text != "full " {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	done := frames[2]
	if done.Type != protocol.FrameChatDone || done.Text != "full reply" {
		t.Errorf("done frame = %+v", done)
	}
	if done.Meta == nil || done.Meta.Model != "test-model" {
		t.Errorf("done meta = %+v", done.Meta)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, &fakeEngine{reply: "ok"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}

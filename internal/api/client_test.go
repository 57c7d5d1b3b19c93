package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/security"
)

type recorded struct {
	method string
	path   string
	query  string
	apiKey string
	auth   string
	body   string
}

type fakeService struct {
	mu       sync.Mutex
	requests []recorded
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeService(t *testing.T) (*fakeService, *Client) {
	t.Helper()
	fs := &fakeService{handlers: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			apiKey: r.Header.Get("X-API-Key"),
			auth:   r.Header.Get("Authorization"),
			body:   string(b),
		})
		h := fs.handlers[r.Method+" "+r.URL.Path]
		fs.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Not Found"}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, New(srv.URL+"/api/v1/", "tk_test")
}

func (fs *fakeService) handle(route string, status int, body string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.handlers[route] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (fs *fakeService) last() recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func TestListTunnelsSendsAPIKey(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("GET /api/v1/cli/tunnels", 200, `[
		{"id":"t1","subdomain":"myapp","remote_port":7001,"local_port":3000,"is_custom_subdomain":true,"url":"myapp.tunnel.ovream.com"},
		{"id":"t2","subdomain":"blog","remote_port":7002,"local_port":null}
	]`)

	got, err := c.ListTunnels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tunnels, got %d", len(got))
	}
	if !got[0].HasLocalPort() || got[0].Port() != 3000 || !got[0].IsCustomSubdomain {
		t.Fatalf("unexpected first tunnel: %+v", got[0])
	}
	if got[1].HasLocalPort() {
		t.Fatal("null local_port must decode as no port")
	}
	if req := fs.last(); req.apiKey != "tk_test" {
		t.Fatalf("expected X-API-Key header, got %q", req.apiKey)
	}
}

func TestCreateTunnelBodyAndErrorDetail(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("POST /api/v1/cli/tunnels", 200, `{"id":"t9","subdomain":"random1","remote_port":7009,"local_port":8080}`)

	tun, err := c.CreateTunnel(context.Background(), 8080, "")
	if err != nil {
		t.Fatal(err)
	}
	if tun.ID != "t9" {
		t.Fatalf("unexpected tunnel: %+v", tun)
	}
	if body := fs.last().body; body != `{"local_port":8080}` {
		t.Fatalf("empty subdomain must be omitted, got %s", body)
	}

	fs.handle("POST /api/v1/cli/tunnels", 400, `{"detail":"Subdomain already taken"}`)
	_, err = c.CreateTunnel(context.Background(), 8080, "taken")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Fatalf("expected APIError 400, got %v", err)
	}
	if !strings.Contains(err.Error(), "Subdomain already taken") {
		t.Fatalf("expected server detail in error, got %q", err.Error())
	}
}

func TestValidationErrorDetail(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("PUT /api/v1/cli/tunnels/t1/port", 422, `{"detail":[{"msg":"port must be positive"},{"msg":"bad"}]}`)
	port := -1
	_, err := c.UpdateLocalPort(context.Background(), "t1", &port)
	if err == nil || !strings.Contains(err.Error(), "port must be positive; bad") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateLocalPortClearSendsNull(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("PUT /api/v1/cli/tunnels/t1/port", 200, `{"id":"t1","subdomain":"myapp","local_port":null}`)
	tun, err := c.UpdateLocalPort(context.Background(), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tun.HasLocalPort() {
		t.Fatal("expected cleared port")
	}
	if body := fs.last().body; body != `{"local_port":null}` {
		t.Fatalf("expected explicit null, got %s", body)
	}
}

func TestGetConfigQuery(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("GET /api/v1/cli/tunnels/t1/config", 200, `{"config":"[common]\nserver_addr = x\n","tunnel":{"id":"t1","subdomain":"myapp"}}`)
	cfg, err := c.GetConfig(context.Background(), "t1", 3000)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.Config, "[common]") || cfg.Tunnel.Subdomain != "myapp" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if q := fs.last().query; q != "format=ini&local_port=3000" {
		t.Fatalf("unexpected query %q", q)
	}
}

func TestReportConnectionStatusIsAdvisory(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("PUT /api/v1/cli/tunnels/t1/connection-status", 200, `{}`)

	if adv := c.ReportConnectionStatus(context.Background(), "t1", model.StatusPortDown); !adv.Delivered() {
		t.Fatalf("expected delivery, got %v", adv.Err)
	}
	if q := fs.last().query; q != "status=port_down" {
		t.Fatalf("unexpected query %q", q)
	}

	fs.handle("PUT /api/v1/cli/tunnels/t1/connection-status", 500, `{"detail":"boom"}`)
	if adv := c.ReportConnectionStatus(context.Background(), "t1", model.StatusConnected); adv.Delivered() {
		t.Fatal("expected failed delivery to be reported")
	}

	before := len(fs.requests)
	if adv := c.ReportConnectionStatus(context.Background(), "t1", model.StatusNotStarted); adv.Delivered() {
		t.Fatal("not_started must never be reported")
	}
	if len(fs.requests) != before {
		t.Fatal("unreportable status must not reach the network")
	}
}

func TestUnauthorizedMatchesSentinel(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("GET /api/v1/cli/status", 401, `{"detail":"Invalid API key"}`)
	_, err := c.Profile(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestProfileUnwrapsUser(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("GET /api/v1/cli/status", 200, `{"user":{"username":"ada","email":"ada@example.test","role":"admin"}}`)
	p, err := c.Profile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Username != "ada" || !p.IsAdmin() {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestQuotaUsesBearerAndFallsBack(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("GET /api/v1/tunnels/quota/info", 200, `{"max_tunnels":10,"used_tunnels":4,"max_custom_domains":-1,"can_create_tunnel":true,"can_use_custom_domain":true}`)
	q, err := c.Quota(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if q.MaxTunnels != 10 || q.UsedTunnels != 4 || q.MaxCustomDomains != -1 {
		t.Fatalf("unexpected quota: %+v", q)
	}
	if req := fs.last(); req.auth != "Bearer tk_test" || req.apiKey != "" {
		t.Fatalf("expected bearer auth only, got auth=%q key=%q", req.auth, req.apiKey)
	}

	fs.handle("GET /api/v1/tunnels/quota/info", 503, ``)
	q, err = c.Quota(context.Background())
	if err == nil {
		t.Fatal("expected error from failing endpoint")
	}
	if q != model.DefaultQuota() {
		t.Fatalf("expected default quota, got %+v", q)
	}
}

func TestLoginAndCreateAPIKey(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("POST /api/v1/auth/login", 200, `{"access_token":"jwt-1","token_type":"bearer"}`)
	fs.handle("POST /api/v1/api-keys/", 200, `{"key":"tk_minted"}`)

	tokens, err := c.Login(context.Background(), "ada", "secret")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(fs.last().body), &body); err != nil {
		t.Fatal(err)
	}
	if body["username"] != "ada" || body["password"] != "secret" {
		t.Fatalf("unexpected login body: %v", body)
	}

	key, err := c.CreateAPIKey(context.Background(), tokens.AccessToken, "CLI Key")
	if err != nil {
		t.Fatal(err)
	}
	if key != "tk_minted" {
		t.Fatalf("unexpected key %q", key)
	}
	req := fs.last()
	if req.auth != "Bearer jwt-1" || req.query != "name=CLI+Key" {
		t.Fatalf("unexpected api-key request: %+v", req)
	}
}

func TestDeleteTunnel(t *testing.T) {
	fs, c := newFakeService(t)
	fs.handle("DELETE /api/v1/cli/tunnels/t1", 200, `{"ok":true}`)
	ok, err := c.DeleteTunnel(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("expected delete to succeed, got %v %v", ok, err)
	}
	ok, err = c.DeleteTunnel(context.Background(), "missing")
	if err == nil || ok {
		t.Fatal("expected delete of unknown tunnel to fail")
	}
}

func TestTransportErrorIsClassified(t *testing.T) {
	c := New("http://127.0.0.1:1/api/v1", "tk_test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListTunnels(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause must stay reachable, got %v", err)
	}
	if msg := security.UserMessage(err, true); !strings.HasPrefix(msg, "could not reach the tunnel service") {
		t.Fatalf("unexpected user message %q", msg)
	}
}

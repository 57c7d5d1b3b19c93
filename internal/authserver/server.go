// Package authserver receives an API key from the web portal after browser
// login. It listens on loopback for a single POST to /callback.
package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/juju/webbrowser"

	"github.com/treykane/tunnel-cli/internal/util"
)

var (
	ErrTimeout = errors.New("authentication timed out")
	ErrClosed  = errors.New("callback server closed")
)

type callbackRequest struct {
	SessionID string `json:"session_id"`
	APIKey    string `json:"api_key"`
}

type statusResponse struct {
	Received  bool   `json:"received"`
	SessionID string `json:"session_id"`
}

// Server is a one-shot callback receiver bound to a random session id.
type Server struct {
	SessionID string

	mu       sync.Mutex
	port     int
	listener net.Listener
	srv      *http.Server
	keyCh    chan string
	received bool
	done     chan struct{}
}

// New creates a server for port. Port 0 picks a free one on Start.
func New(port int) *Server {
	return &Server{
		SessionID: uuid.NewString(),
		port:      port,
		keyCh:     make(chan string, 1),
		done:      make(chan struct{}),
	}
}

// Router exposes the route table for tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/callback", s.handleCallback).Methods(http.MethodPost)
	r.HandleFunc("/callback", s.handlePreflight).Methods(http.MethodOptions)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

// Start begins listening on localhost.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("start callback server on port %d: %w", s.port, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("callback server stopped", "error", err)
		}
	}()
	slog.Debug("callback server listening", "port", s.Port(), "session_id", s.SessionID)
	return nil
}

// Port is the bound port once Start has returned.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// CallbackURL is the address the portal posts the key to.
func (s *Server) CallbackURL() string {
	return fmt.Sprintf("http://localhost:%d/callback", s.Port())
}

// AuthURL is the portal page that starts browser login for this session.
func (s *Server) AuthURL(portal string) string {
	q := url.Values{}
	q.Set("session", s.SessionID)
	q.Set("callback", s.CallbackURL())
	return strings.TrimRight(portal, "/") + "/cli-auth?" + q.Encode()
}

// WaitForKey blocks until the portal delivers a key, ctx ends or timeout
// elapses. A non-positive timeout means util.AuthWaitTimeout.
func (s *Server) WaitForKey(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = util.AuthWaitTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case key := <-s.keyCh:
		return key, nil
	case <-t.C:
		return "", ErrTimeout
	case <-s.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close shuts the listener down. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	var req callbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalid request body"})
		return
	}
	if req.SessionID != s.SessionID || strings.TrimSpace(req.APIKey) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session mismatch"})
		return
	}

	s.mu.Lock()
	first := !s.received
	s.received = true
	s.mu.Unlock()
	if first {
		s.keyCh <- strings.TrimSpace(req.APIKey)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := statusResponse{Received: s.received, SessionID: s.SessionID}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OpenBrowser opens rawURL in the user's browser. When no browser is
// available the URL is written to out instead.
func OpenBrowser(rawURL string, out io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	err = webbrowser.Open(u)
	if err == nil {
		return nil
	}
	if errors.Is(err, webbrowser.ErrNoBrowser) {
		_, werr := fmt.Fprintf(out, "Open this URL in your browser:\n  %s\n", rawURL)
		return werr
	}
	return fmt.Errorf("open browser: %w", err)
}

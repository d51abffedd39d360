package vrchat

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuthConfig holds credentials for session management.
type AuthConfig struct {
	BaseURL       string
	Username      string
	Password      string
	AuthCookie    string
	UserAgent     string
	ReauthTimeout time.Duration
	ReauthMinGap  time.Duration
}

// sessionManager guards re-authentication with a mutex to prevent thundering herd.
type sessionManager struct {
	mu         sync.Mutex
	cfg        AuthConfig
	http       *http.Client
	cookie     string // session cookie value (username/password auth)
	lastReauth time.Time
	log        zerolog.Logger
}

func newSessionManager(cfg AuthConfig, httpClient *http.Client, log zerolog.Logger) *sessionManager {
	return &sessionManager{
		cfg:  cfg,
		http: httpClient,
		log:  log,
	}
}

// EnsureAuth is called by client.go only when a 401 response is detected.
// The mutex ensures only one of N callers executes login concurrently.
func (s *sessionManager) EnsureAuth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Thundering-herd guard: if another caller already re-authed recently, skip.
	if time.Since(s.lastReauth) < s.cfg.ReauthMinGap {
		return nil
	}

	timeout := s.cfg.ReauthTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.login(tctx); err != nil {
		return fmt.Errorf("re-auth failed: %w", err)
	}
	s.lastReauth = time.Now()
	s.log.Debug().Msg("re-authenticated with VRChat API")
	return nil
}

// SetAuthHeader applies the session cookie to an outgoing request.
func (s *sessionManager) SetAuthHeader(req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cookie != "" {
		req.Header.Set("Cookie", s.cookie)
	}
}

// login establishes a session. With a pre-baked auth cookie this only
// verifies it; otherwise it performs the basic-auth login flow and stores
// the returned auth cookie. Accounts behind 2FA must supply an auth cookie
// obtained out of band.
func (s *sessionManager) login(ctx context.Context) error {
	if s.cfg.AuthCookie != "" {
		s.cookie = "auth=" + s.cfg.AuthCookie
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/auth/user", nil)
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ErrUnauthorized{Msg: fmt.Sprintf("login returned HTTP %d", resp.StatusCode)}
	}

	// Extract the session cookies (reset first so re-auth doesn't accumulate stale values)
	s.cookie = ""
	for _, c := range resp.Cookies() {
		if c.Name == "auth" || c.Name == "twoFactorAuth" {
			if s.cookie == "" {
				s.cookie = c.Name + "=" + c.Value
			} else {
				s.cookie += "; " + c.Name + "=" + c.Value
			}
		}
	}
	if s.cookie == "" {
		return &ErrUnauthorized{Msg: "login response carried no auth cookie"}
	}
	return nil
}

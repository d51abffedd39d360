package vrchat

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/groupwarden/groupwarden/internal/metrics"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for constructing a VRChat HTTP client.
type ClientConfig struct {
	BaseURL      string
	Username     string
	Password     string
	AuthCookie   string // pre-baked session cookie; skips the login flow
	UserAgent    string
	Timeout      time.Duration
	Debug        bool
	ReauthMinGap time.Duration // thundering-herd guard: skip re-auth if last one was < this ago
}

// httpClient implements Client using direct HTTPS calls to the VRChat API.
type httpClient struct {
	cfg     ClientConfig
	http    *http.Client
	session *sessionManager
	log     zerolog.Logger
}

// NewClient constructs a new Client and verifies credentials with an initial
// auth check.
func NewClient(ctx context.Context, cfg ClientConfig, log zerolog.Logger) (Client, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	hc := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	c := &httpClient{
		cfg:  cfg,
		http: hc,
		log:  log,
	}

	authCfg := AuthConfig{
		BaseURL:       cfg.BaseURL,
		Username:      cfg.Username,
		Password:      cfg.Password,
		AuthCookie:    cfg.AuthCookie,
		UserAgent:     cfg.UserAgent,
		ReauthTimeout: cfg.Timeout,
		ReauthMinGap:  cfg.ReauthMinGap,
	}
	c.session = newSessionManager(authCfg, hc, log)

	if err := c.session.EnsureAuth(ctx); err != nil {
		return nil, fmt.Errorf("initial login: %w", err)
	}
	return c, nil
}

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
func (c *httpClient) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	c.session.SetAuthHeader(req)
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("vrchat api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("vrchat api request failed")
		}
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("vrchat api response")
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		_ = resp.Body.Close()
		metrics.AuthErrors.Inc()
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &ErrNotFound{ID: req.URL.Path}
	case http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = d
			}
		}
		_ = resp.Body.Close()
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	}
	return resp, nil
}

// withReauth executes fn, and on ErrUnauthorized calls EnsureAuth then retries once.
func (c *httpClient) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrUnauthorized); !ok {
		return err
	}
	if authErr := c.session.EnsureAuth(ctx); authErr != nil {
		return fmt.Errorf("re-auth failed: %w", authErr)
	}
	return fn()
}

// Ping verifies the session is valid.
func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/auth/user", nil)
	if err != nil {
		return err
	}
	return c.withReauth(ctx, func() error {
		resp, err := c.apiDo(ctx, req, "ping")
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	})
}

// Close is a no-op for stateless HTTP clients (session cookies expire server-side).
func (c *httpClient) Close() error {
	return nil
}

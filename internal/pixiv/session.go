package pixiv

import (
	"context"
	"crypto/md5" // #nosec G501 - the app API's X-Client-Hash is defined over MD5
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pixiv-backup/pixiv-backup/internal/fsutil"
)

// Endpoints and credentials of the mobile app API. The client id/secret
// pair identifies the official Android app; the per-user secret is the
// refresh token from the configuration.
const (
	DefaultAuthURL = "https://oauth.secure.pixiv.net/auth/token"
	DefaultAPIURL  = "https://app-api.pixiv.net"

	// ImageReferer is required by the image host for original downloads.
	ImageReferer = "https://app-api.pixiv.net/"

	clientID     = "MOBrBDS8blbauoSck0ZfDbtuzpyT"
	clientSecret = "lsACyCD94FhDUtGTXi3QzcFE2uU1hqtDaKeqrdwj"
	hashSecret   = "28c1fdd170a5204386cb1313c7077b34f83e4aaf4aa829ce78c231e05b0bae2c"

	userAgent = "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)"

	// refreshMargin forces a refresh when the cached token has less
	// remaining lifetime than this.
	refreshMargin = 60 * time.Second
)

// Token is the persisted access-token cache (data/token.json).
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SavedAt      time.Time `json:"saved_at"`
}

func (t *Token) fresh(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Add(refreshMargin).Before(t.ExpiresAt)
}

// Session manages the refresh-token → access-token lifecycle and signs
// outgoing API requests. It is safe for use from the scheduler goroutine
// plus the status ticker.
type Session struct {
	httpc        *http.Client
	refreshToken string
	tokenPath    string
	authURL      string
	logger       *slog.Logger

	mu    sync.Mutex
	token *Token
}

// SessionOption adjusts a Session, mainly for tests.
type SessionOption func(*Session)

// WithAuthURL overrides the OAuth endpoint.
func WithAuthURL(u string) SessionOption {
	return func(s *Session) { s.authURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) SessionOption {
	return func(s *Session) { s.httpc = c }
}

// NewSession creates a Session. tokenPath is the on-disk token cache;
// it is loaded lazily so restarts reuse a still-valid access token.
func NewSession(refreshToken, tokenPath string, timeout time.Duration, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		httpc:        &http.Client{Timeout: timeout},
		refreshToken: refreshToken,
		tokenPath:    tokenPath,
		authURL:      DefaultAuthURL,
		logger:       logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// clientHash derives the X-Client-Hash header from the client time.
func clientHash(clientTime string) string {
	sum := md5.Sum([]byte(clientTime + hashSecret)) // #nosec G401 - protocol requirement, not a security boundary
	return hex.EncodeToString(sum[:])
}

func (s *Session) loadCachedToken() *Token {
	data, err := os.ReadFile(s.tokenPath)
	if err != nil {
		return nil
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		s.logger.Warn("discarding unreadable token cache", "path", s.tokenPath, "error", err)
		return nil
	}
	return &tok
}

func (s *Session) saveToken(tok *Token) {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return
	}
	if err := fsutil.WriteFileAtomic(s.tokenPath, data, 0600); err != nil {
		s.logger.Warn("failed to persist token cache", "path", s.tokenPath, "error", err)
	}
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Response     *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	} `json:"response"`
}

// refresh exchanges the refresh token for a new access token.
// The caller must hold s.mu.
func (s *Session) refresh(ctx context.Context) error {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.currentRefreshToken())
	form.Set("get_secure_url", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "session.refresh")
	}
	clientTime := time.Now().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Client-Time", clientTime)
	req.Header.Set("X-Client-Hash", clientHash(clientTime))

	resp, err := s.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "session.refresh")
	}
	defer closeBody(resp, s.logger)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "session.refresh: read body")
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, URL: s.authURL, Body: snippet(body)}
		if Classify(apiErr) == CategoryAuth {
			return &AuthError{Err: apiErr}
		}
		return apiErr
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return errors.Wrap(err, "session.refresh: decode")
	}
	access, refreshTok, expiresIn := ar.AccessToken, ar.RefreshToken, ar.ExpiresIn
	if access == "" && ar.Response != nil {
		access, refreshTok, expiresIn = ar.Response.AccessToken, ar.Response.RefreshToken, ar.Response.ExpiresIn
	}
	if access == "" {
		return &AuthError{Err: errors.New("refresh response carried no access_token")}
	}
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	if refreshTok == "" {
		refreshTok = s.currentRefreshToken()
	}

	now := time.Now()
	s.token = &Token{
		AccessToken:  access,
		RefreshToken: refreshTok,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
		SavedAt:      now,
	}
	s.saveToken(s.token)
	s.logger.Info("access token refreshed", "expires_at", s.token.ExpiresAt.Format(time.RFC3339))
	return nil
}

// currentRefreshToken prefers the token issued by the last refresh over
// the configured one; the upstream rotates refresh tokens occasionally.
func (s *Session) currentRefreshToken() string {
	if s.token != nil && s.token.RefreshToken != "" {
		return s.token.RefreshToken
	}
	return s.refreshToken
}

// EnsureFresh guarantees a usable access token: the disk cache is
// consulted first, then a refresh is performed if the remaining lifetime
// is under one minute.
func (s *Session) EnsureFresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureFreshLocked(ctx)
}

func (s *Session) ensureFreshLocked(ctx context.Context) error {
	now := time.Now()
	if s.token.fresh(now) {
		return nil
	}
	if s.token == nil {
		if cached := s.loadCachedToken(); cached.fresh(now) {
			s.token = cached
			return nil
		}
	}
	return s.refresh(ctx)
}

// invalidate drops the in-memory and on-disk token after an auth failure.
func (s *Session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	if err := os.Remove(s.tokenPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove token cache", "path", s.tokenPath, "error", err)
	}
}

// accessToken returns the current access token, refreshing if required.
func (s *Session) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureFreshLocked(ctx); err != nil {
		return "", err
	}
	return s.token.AccessToken, nil
}

// Do performs an authorized request against the app API. On a response
// the classifier marks as auth, the cached token is invalidated, refreshed
// once, and the request replayed once; a second auth failure surfaces
// AuthError, which is fatal for the round.
func (s *Session) Do(ctx context.Context, method, rawURL string, query url.Values) (*http.Response, error) {
	resp, err := s.doOnce(ctx, method, rawURL, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	closeBody(resp, s.logger)
	s.logger.Warn("authorized request rejected, refreshing token once", "url", rawURL, "body", snippet(body))
	s.invalidate()
	if err := s.EnsureFresh(ctx); err != nil {
		return nil, &AuthError{Err: err}
	}

	resp, err = s.doOnce(ctx, method, rawURL, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		closeBody(resp, s.logger)
		return nil, &AuthError{Err: &APIError{StatusCode: http.StatusUnauthorized, URL: rawURL, Body: snippet(body)}}
	}
	return resp, nil
}

func (s *Session) doOnce(ctx context.Context, method, rawURL string, query url.Values) (*http.Response, error) {
	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	target := rawURL
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "session.Do")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("App-OS", "android")
	req.Header.Set("App-OS-Version", "11")

	return s.httpc.Do(req)
}

func closeBody(resp *http.Response, logger *slog.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Warn("failed to close response body", "error", err)
	}
}

func snippet(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max]
	}
	return s
}

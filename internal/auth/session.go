package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relayforge/codeassist-gateway/internal/cache"
	"github.com/relayforge/codeassist-gateway/internal/metrics"
)

// refreshBuffer is the safety margin before token expiry. A token is never
// served within this window of its expiry.
const refreshBuffer = 5 * time.Minute

// cachedToken is the cache entry for one account's current access token.
type cachedToken struct {
	AccessToken string `json:"access_token"`
	// ExpiryTimestamp is Unix seconds.
	ExpiryTimestamp int64 `json:"expiry_timestamp"`
	CachedAt        int64 `json:"cached_at"`
}

// OAuthConfig holds the token-exchange endpoint and client identity shared
// by all sessions.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Session owns token lifecycle for a single account. Concurrent callers are
// collapsed onto one refresh via singleflight; the token cache itself may be
// shared across replicas when Redis-backed.
type Session struct {
	index      int
	cred       Credential
	oauth      OAuthConfig
	tokens     cache.Store
	httpClient *http.Client
	log        *slog.Logger
	metrics    *metrics.Registry
	sf         singleflight.Group

	// now is swapped in tests.
	now func() time.Time
}

// NewSession creates a session for the account at the given rotation index.
func NewSession(index int, cred Credential, oauth OAuthConfig, tokens cache.Store, httpClient *http.Client, log *slog.Logger, reg *metrics.Registry) *Session {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		index:      index,
		cred:       cred,
		oauth:      oauth,
		tokens:     tokens,
		httpClient: httpClient,
		log:        log.With("account", index),
		metrics:    reg,
		now:        time.Now,
	}
}

// ProjectID returns the statically configured project id, if any.
func (s *Session) ProjectID() string { return s.cred.ProjectID }

func (s *Session) cacheKey() string {
	return "codeassist:token:" + strconv.Itoa(s.index)
}

// Token returns a bearer token that is fresh per the expiry buffer.
// Resolution order: cached token, still-valid static credential, refresh.
func (s *Session) Token(ctx context.Context) (string, error) {
	if raw, ok := s.tokens.Get(ctx, s.cacheKey()); ok {
		var tok cachedToken
		if err := json.Unmarshal(raw, &tok); err == nil && s.fresh(tok.ExpiryTimestamp) {
			if s.metrics != nil {
				s.metrics.CacheGetHit()
			}
			return tok.AccessToken, nil
		}
	}
	if s.metrics != nil {
		s.metrics.CacheGetMiss()
	}

	if s.cred.AccessToken != "" && s.fresh(s.cred.ExpiryTimestamp) {
		s.cacheToken(ctx, s.cred.AccessToken, s.cred.ExpiryTimestamp)
		return s.cred.AccessToken, nil
	}

	return s.refresh(ctx)
}

// Invalidate drops the cached token so the next Token call refreshes.
// Called on a detected upstream 401.
func (s *Session) Invalidate(ctx context.Context) {
	if err := s.tokens.Delete(ctx, s.cacheKey()); err != nil {
		s.log.Warn("token invalidation failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.CacheDelete()
	}
}

// ForceRefresh drops the cached token and exchanges the refresh token for a
// new access token, skipping the static credential. Used after an upstream
// 401: the rejected token may still look fresh by its expiry timestamp, so
// the normal resolution order would hand it out again.
func (s *Session) ForceRefresh(ctx context.Context) (string, error) {
	s.Invalidate(ctx)
	return s.refresh(ctx)
}

func (s *Session) fresh(expiryUnix int64) bool {
	return time.Unix(expiryUnix, 0).After(s.now().Add(refreshBuffer))
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers for the same session share a single in-flight exchange.
func (s *Session) refresh(ctx context.Context) (string, error) {
	v, err, _ := s.sf.Do("refresh", func() (any, error) {
		return s.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Session) doRefresh(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id":     {s.oauth.ClientID},
		"client_secret": {s.oauth.ClientSecret},
		"refresh_token": {s.cred.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.oauth.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{AccountIndex: s.index, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.recordRefresh(false)
		return "", &AuthError{AccountIndex: s.index, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Body is drained for connection reuse but deliberately not logged:
		// OAuth error payloads can echo request parameters.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		s.recordRefresh(false)
		return "", &AuthError{AccountIndex: s.index, Status: resp.StatusCode}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.recordRefresh(false)
		return "", &AuthError{AccountIndex: s.index, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if body.AccessToken == "" {
		s.recordRefresh(false)
		return "", &AuthError{AccountIndex: s.index, Err: fmt.Errorf("token response has no access_token")}
	}

	expiry := s.now().Add(time.Duration(body.ExpiresIn) * time.Second).Unix()
	s.cacheToken(ctx, body.AccessToken, expiry)
	s.recordRefresh(true)

	s.log.Debug("access token refreshed", "expires_in_s", body.ExpiresIn)
	return body.AccessToken, nil
}

func (s *Session) cacheToken(ctx context.Context, token string, expiryUnix int64) {
	ttl := time.Unix(expiryUnix, 0).Sub(s.now()) - refreshBuffer
	if ttl <= 0 {
		return
	}
	entry := cachedToken{
		AccessToken:     token,
		ExpiryTimestamp: expiryUnix,
		CachedAt:        s.now().Unix(),
	}
	raw, _ := json.Marshal(entry)
	if err := s.tokens.Set(ctx, s.cacheKey(), raw, ttl); err != nil {
		s.log.Warn("token cache set failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.CacheSetOK()
	}
}

func (s *Session) recordRefresh(ok bool) {
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ok)
	}
}

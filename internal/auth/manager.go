package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/cache"
	"github.com/relayforge/codeassist-gateway/internal/metrics"
)

// requestMetadata is sent on every control call; the upstream uses it to
// attribute traffic to a client surface.
var requestMetadata = map[string]string{
	"ideType":    "IDE_UNSPECIFIED",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

const onboardMaxAttempts = 10

// onboardPollInterval is a var so tests can shrink it.
var onboardPollInterval = 2 * time.Second

// ManagerConfig wires a Manager to its collaborators. HTTPClient, Logger and
// Metrics may be nil.
type ManagerConfig struct {
	BaseURL    string
	APIVersion string
	OAuth      OAuthConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Registry
}

// Manager owns the ordered account set and the current rotation position.
// Safe for concurrent use: multiple in-flight requests may rotate and
// resolve tokens at the same time.
type Manager struct {
	sessions   []*Session
	httpClient *http.Client
	baseURL    string
	apiVersion string
	log        *slog.Logger
	metrics    *metrics.Registry

	mu       sync.Mutex
	current  int
	projects map[int]string // discovered project ids, by account index
}

// NewManager builds a Manager over the loaded credential list.
func NewManager(creds []Credential, tokens cache.Store, cfg ManagerConfig) (*Manager, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("auth: no accounts configured")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		log:        log,
		metrics:    cfg.Metrics,
		projects:   make(map[int]string),
	}
	for i, c := range creds {
		m.sessions = append(m.sessions, NewSession(i, c, cfg.OAuth, tokens, httpClient, log, cfg.Metrics))
	}
	return m, nil
}

// AccountCount returns the number of configured accounts.
func (m *Manager) AccountCount() int { return len(m.sessions) }

// Current returns the index of the active account.
func (m *Manager) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// active returns the active session and its index.
func (m *Manager) active() (*Session, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[m.current], m.current
}

// Rotate advances to the next account round-robin and returns the new index.
// reason labels the rotation metric.
func (m *Manager) Rotate(reason string) int {
	m.mu.Lock()
	m.current = (m.current + 1) % len(m.sessions)
	idx := m.current
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordRotation(reason, idx)
	}
	m.log.Info("rotated to next account", "account", idx, "reason", reason)
	return idx
}

// Token returns a fresh bearer token for the active account.
func (m *Manager) Token(ctx context.Context) (string, error) {
	sess, _ := m.active()
	return sess.Token(ctx)
}

// ForceRefreshToken forces a token exchange for the active account,
// bypassing the cache and the static credential.
func (m *Manager) ForceRefreshToken(ctx context.Context) (string, error) {
	sess, _ := m.active()
	return sess.ForceRefresh(ctx)
}

// CallEndpoint issues an authenticated POST to {base}/{version}:{method},
// rotating through accounts on failure. Per account: a 401 invalidates the
// token and retries the same account exactly once; 429/403 and any other
// failure rotate immediately. At most AccountCount accounts are tried.
func (m *Manager) CallEndpoint(ctx context.Context, method string, body any) (json.RawMessage, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("auth: marshal %s request: %w", method, err)
	}

	var last error
	for attempt := 0; attempt < len(m.sessions); attempt++ {
		sess, idx := m.active()

		token, err := sess.Token(ctx)
		if err != nil {
			last = err
			m.Rotate("auth_error")
			continue
		}

		status, resp, err := m.do(ctx, token, method, reqBody)
		if err != nil {
			last = err
			m.Rotate("transport_error")
			continue
		}

		switch {
		case status == http.StatusOK:
			return resp, nil

		case status == http.StatusUnauthorized:
			// The token the cache considered fresh was rejected. Force a
			// fresh exchange and retry this account once before moving on.
			if token, err = sess.ForceRefresh(ctx); err == nil {
				if status, resp, err = m.do(ctx, token, method, reqBody); err == nil && status == http.StatusOK {
					return resp, nil
				}
			}
			last = fmt.Errorf("auth: account %d: unauthorized after forced refresh", idx)
			m.Rotate("auth_retry_failed")

		case status == http.StatusTooManyRequests || status == http.StatusForbidden:
			// Quota, not auth: the token stays cached.
			last = fmt.Errorf("auth: account %d: quota exhausted (status %d)", idx, status)
			m.Rotate("quota")

		default:
			last = fmt.Errorf("auth: account %d: %s returned status %d: %s",
				idx, method, status, truncate(resp, 256))
			m.Rotate("upstream_error")
		}
	}

	if m.metrics != nil {
		m.metrics.RecordAccountsExhausted()
	}
	return nil, &ExhaustedError{Attempts: len(m.sessions), Last: last}
}

func (m *Manager) do(ctx context.Context, token, method string, body []byte) (int, []byte, error) {
	url := m.baseURL + "/" + m.apiVersion + ":" + method

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// ResolveProject returns the project id for the active account: the static
// credential's project if set, a previously discovered one, or the result of
// the loadCodeAssist/onboardUser discovery flow.
func (m *Manager) ResolveProject(ctx context.Context) (string, error) {
	sess, idx := m.active()

	if p := sess.ProjectID(); p != "" {
		return p, nil
	}

	m.mu.Lock()
	p, ok := m.projects[idx]
	m.mu.Unlock()
	if ok {
		return p, nil
	}

	project, err := m.discoverProject(ctx)
	if err != nil {
		return "", err
	}

	// Cache under the account that is current after discovery; CallEndpoint
	// may have rotated along the way.
	cur := m.Current()
	m.mu.Lock()
	m.projects[cur] = project
	m.mu.Unlock()

	m.log.Info("resolved project id", "account", cur, "project", project)
	return project, nil
}

func (m *Manager) discoverProject(ctx context.Context) (string, error) {
	raw, err := m.CallEndpoint(ctx, "loadCodeAssist", map[string]any{
		"metadata": requestMetadata,
	})
	if err != nil {
		return "", err
	}

	var load struct {
		CloudaicompanionProject any `json:"cloudaicompanionProject"`
		CurrentTier             *struct {
			ID string `json:"id"`
		} `json:"currentTier"`
		AllowedTiers []struct {
			ID        string `json:"id"`
			IsDefault bool   `json:"isDefault"`
		} `json:"allowedTiers"`
	}
	if err := json.Unmarshal(raw, &load); err != nil {
		return "", &ProjectError{AccountIndex: m.Current(), Reason: "malformed loadCodeAssist response"}
	}

	if p := extractProjectID(load.CloudaicompanionProject); p != "" {
		return p, nil
	}

	// Free-tier accounts have no project until onboarded.
	tier := "free-tier"
	for _, t := range load.AllowedTiers {
		if t.IsDefault {
			tier = t.ID
			break
		}
	}
	return m.onboard(ctx, tier)
}

// onboard provisions a project via onboardUser. The upstream returns a
// long-running operation; re-issuing the call polls it until done.
func (m *Manager) onboard(ctx context.Context, tierID string) (string, error) {
	body := map[string]any{
		"tierId":   tierID,
		"metadata": requestMetadata,
	}

	for attempt := 0; attempt < onboardMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(onboardPollInterval):
			}
		}

		raw, err := m.CallEndpoint(ctx, "onboardUser", body)
		if err != nil {
			return "", err
		}

		var op struct {
			Done     bool `json:"done"`
			Response *struct {
				CloudaicompanionProject any `json:"cloudaicompanionProject"`
			} `json:"response"`
		}
		if err := json.Unmarshal(raw, &op); err != nil {
			return "", &ProjectError{AccountIndex: m.Current(), Reason: "malformed onboardUser response"}
		}

		if op.Done && op.Response != nil {
			if p := extractProjectID(op.Response.CloudaicompanionProject); p != "" {
				return p, nil
			}
			return "", &ProjectError{AccountIndex: m.Current(), Reason: "onboarding finished without a project id"}
		}

		m.log.Debug("waiting for project provisioning", "attempt", attempt+1, "tier", tierID)
	}

	return "", &ProjectError{AccountIndex: m.Current(), Reason: "onboarding did not complete in time"}
}

// extractProjectID handles both encodings the upstream uses for the project
// field: a bare string or an object with an "id" key.
func extractProjectID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id, ok := t["id"].(string); ok {
			return id
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

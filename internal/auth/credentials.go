// Package auth owns the upstream credential set: the static account list,
// per-account OAuth token lifecycle, round-robin rotation and the generic
// authenticated control-call fan-out.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Credential is one account's static credential record as loaded from the
// accounts file. Immutable after load; a token refresh produces a new cache
// entry, never a mutation of this record.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiryTimestamp is the Unix-seconds expiry of AccessToken.
	ExpiryTimestamp int64 `json:"expiry_timestamp"`

	// ProjectID, when set, pins the account to a known project and skips
	// discovery.
	ProjectID string `json:"project_id,omitempty"`
}

// Expiry returns the access token expiry as a time.Time.
func (c Credential) Expiry() time.Time {
	return time.Unix(c.ExpiryTimestamp, 0)
}

// LoadCredentials reads the ordered account list from a JSON file. The file
// is a JSON array of credential records; order determines rotation order.
func LoadCredentials(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read accounts file: %w", err)
	}

	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("auth: parse accounts file %s: %w", path, err)
	}

	if len(creds) == 0 {
		return nil, fmt.Errorf("auth: accounts file %s contains no accounts", path)
	}
	for i, c := range creds {
		if c.RefreshToken == "" {
			return nil, fmt.Errorf("auth: account %d has no refresh_token", i)
		}
	}
	return creds, nil
}

package auth

import "fmt"

// AuthError reports a token refresh or validation failure for one account.
// Recoverable by rotating to the next account.
type AuthError struct {
	AccountIndex int
	Status       int // upstream OAuth HTTP status, 0 for transport failures
	Err          error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth: account %d: token refresh failed with status %d", e.AccountIndex, e.Status)
	}
	return fmt.Sprintf("auth: account %d: token refresh failed: %v", e.AccountIndex, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HTTPStatus implements the status-coder convention. An account-level auth
// failure that reaches the caller means the gateway is misconfigured.
func (e *AuthError) HTTPStatus() int { return 502 }

// ExhaustedError reports that every configured account was tried and failed
// for this request. Last carries the final underlying cause.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("auth: all %d accounts exhausted, last error: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) HTTPStatus() int { return 429 }

// ProjectError reports that no project identifier could be resolved for the
// active account. Fatal for the request.
type ProjectError struct {
	AccountIndex int
	Reason       string
}

func (e *ProjectError) Error() string {
	return fmt.Sprintf("auth: account %d: project discovery failed: %s", e.AccountIndex, e.Reason)
}

func (e *ProjectError) HTTPStatus() int { return 502 }

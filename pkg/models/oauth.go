package models

// AuthorizationState tracks an OAuth authorization attempt for a connection.
type AuthorizationState string

const (
	AuthUnauthenticated AuthorizationState = "unauthenticated"
	AuthPendingCode     AuthorizationState = "pending_code"
	AuthAuthenticated   AuthorizationState = "authenticated"
	AuthFailed          AuthorizationState = "failed"
)

var authTransitions = map[AuthorizationState][]AuthorizationState{
	AuthUnauthenticated: {AuthPendingCode},
	AuthPendingCode:     {AuthAuthenticated, AuthFailed},
	AuthFailed:          {AuthPendingCode},
	AuthAuthenticated:   {AuthPendingCode},
}

// CanTransition reports whether moving from s to next is allowed.
// Re-authorizing an authenticated or failed connection starts a new attempt.
func (s AuthorizationState) CanTransition(next AuthorizationState) bool {
	for _, allowed := range authTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CredentialState tracks a stored OAuth credential while it is in use.
type CredentialState string

const (
	CredentialFresh      CredentialState = "fresh"
	CredentialRefreshing CredentialState = "refreshing"
	CredentialExpired    CredentialState = "expired"
)

var credentialTransitions = map[CredentialState][]CredentialState{
	CredentialFresh:      {CredentialRefreshing},
	CredentialRefreshing: {CredentialFresh, CredentialExpired},
}

// CanTransition reports whether moving from s to next is allowed. Expired is
// terminal until the connection is authorized again.
func (s CredentialState) CanTransition(next CredentialState) bool {
	for _, allowed := range credentialTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

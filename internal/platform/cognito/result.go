package cognito

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ResultKind discriminates the outcome of a sign-in step.
type ResultKind int

const (
	Failed ResultKind = iota
	Authenticated
	ChallengeIssued
)

func (k ResultKind) String() string {
	switch k {
	case Authenticated:
		return "authenticated"
	case ChallengeIssued:
		return "challenge_issued"
	default:
		return "failed"
	}
}

// FailureKind classifies a Failed result.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// ProviderAuthFailure is a rejected identifier/secret pair.
	ProviderAuthFailure
	// ChallengeFailure is a wrong or expired challenge response.
	ChallengeFailure
	// NoPendingChallenge means a challenge operation was called without a
	// continuation handle.
	NoPendingChallenge
	// NetworkFailure covers transport errors and timeouts.
	NetworkFailure
	// ReauthRequired is returned after a successful MFA enrollment: the
	// provider discards the sign-in attempt and the user has to sign in again.
	ReauthRequired
)

func (k FailureKind) String() string {
	switch k {
	case ProviderAuthFailure:
		return "provider_auth_failure"
	case ChallengeFailure:
		return "challenge_failure"
	case NoPendingChallenge:
		return "no_pending_challenge"
	case NetworkFailure:
		return "network_failure"
	case ReauthRequired:
		return "reauth_required"
	default:
		return "none"
	}
}

// ChallengeKind names the step the provider demands before issuing tokens.
// Values match the Cognito ChallengeName strings.
type ChallengeKind string

const (
	ChallengeMFARequired         ChallengeKind = "SOFTWARE_TOKEN_MFA"
	ChallengeMFASetup            ChallengeKind = "MFA_SETUP"
	ChallengeNewPasswordRequired ChallengeKind = "NEW_PASSWORD_REQUIRED"
)

// Handle is the opaque continuation of an in-progress sign-in. It lives only
// in memory and must never be persisted.
type Handle struct {
	Kind     ChallengeKind
	Username string
	// Token is the provider's challenge session string.
	Token string
}

// Pending reports whether the handle refers to a live challenge.
func (h Handle) Pending() bool {
	return h.Token != ""
}

// Claims are the ID token claims the portal relies on.
type Claims struct {
	jwt.RegisteredClaims
	Email           string `json:"email"`
	EmailVerified   bool   `json:"email_verified"`
	Name            string `json:"name"`
	CognitoUsername string `json:"cognito:username"`
	TokenUse        string `json:"token_use"`
}

// Session is the token material of an authenticated identity.
type Session struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Claims       Claims
}

// Result is the normalized outcome of every gateway call that can sign a
// user in. Exactly one of Session (Authenticated), Challenge
// (ChallengeIssued) or Failure/Reason (Failed) is meaningful.
type Result struct {
	Kind      ResultKind
	Session   *Session
	Challenge *Handle
	Failure   FailureKind
	Reason    string
}

func authenticated(s *Session) Result {
	return Result{Kind: Authenticated, Session: s}
}

func challengeIssued(h Handle) Result {
	return Result{Kind: ChallengeIssued, Challenge: &h}
}

func failed(kind FailureKind, reason string) Result {
	return Result{Kind: Failed, Failure: kind, Reason: reason}
}

// NeedsReauth reports whether the result asks the user to sign in again.
func (r Result) NeedsReauth() bool {
	return r.Kind == Failed && r.Failure == ReauthRequired
}

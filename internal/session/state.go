package session

import (
	"fmt"
	"time"

	"github.com/ehr/portal/internal/platform/cognito"
)

// Phase is the sign-in step the store is on. The phases are mutually
// exclusive: a store is never both mid-challenge and authenticated.
type Phase int

const (
	Unauthenticated Phase = iota
	AwaitingMfaCode
	AwaitingMfaSetup
	AwaitingNewPassword
	Authenticated
)

var phaseNames = map[Phase]string{
	Unauthenticated:     "unauthenticated",
	AwaitingMfaCode:     "awaiting_mfa_code",
	AwaitingMfaSetup:    "awaiting_mfa_setup",
	AwaitingNewPassword: "awaiting_new_password",
	Authenticated:       "authenticated",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for k, v := range phaseNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown session phase %q", b)
}

// phaseFor maps a provider challenge onto the phase that answers it.
func phaseFor(k cognito.ChallengeKind) Phase {
	switch k {
	case cognito.ChallengeMFARequired:
		return AwaitingMfaCode
	case cognito.ChallengeMFASetup:
		return AwaitingMfaSetup
	case cognito.ChallengeNewPasswordRequired:
		return AwaitingNewPassword
	}
	return Unauthenticated
}

// User is the non-sensitive identity of the signed-in user. It is the only
// part of the store that survives a restart.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func userFromClaims(c cognito.Claims) *User {
	name := c.Name
	if name == "" {
		name = c.Email
	}
	return &User{ID: c.Subject, Email: c.Email, Name: name}
}

// Snapshot is a consistent, copied view of the store.
type Snapshot struct {
	Phase               Phase      `json:"phase"`
	User                *User      `json:"user"`
	Username            string     `json:"username,omitempty"`
	IsAuthenticated     bool       `json:"is_authenticated"`
	MFARequired         bool       `json:"mfa_required"`
	MFASetupRequired    bool       `json:"mfa_setup_required"`
	NewPasswordRequired bool       `json:"new_password_required"`
	TOTPSecret          string     `json:"totp_secret,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// Outcome is what every store operation reports back to its caller.
// Success is false while a challenge is pending; the matching flag says
// which step comes next.
type Outcome struct {
	Success             bool   `json:"success"`
	Error               string `json:"error,omitempty"`
	Message             string `json:"message,omitempty"`
	MFARequired         bool   `json:"mfa_required,omitempty"`
	MFASetupRequired    bool   `json:"mfa_setup_required,omitempty"`
	NewPasswordRequired bool   `json:"new_password_required,omitempty"`
	ReauthRequired      bool   `json:"reauth_required,omitempty"`

	// Failure classifies an unsuccessful outcome for transports that map it
	// onto status codes.
	Failure cognito.FailureKind `json:"-"`
}

func challengeOutcome(p Phase) Outcome {
	return Outcome{
		MFARequired:         p == AwaitingMfaCode,
		MFASetupRequired:    p == AwaitingMfaSetup,
		NewPasswordRequired: p == AwaitingNewPassword,
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/portal/internal/platform/cognito"
)

const (
	goodCode    = "123456"
	totpSecret  = "JBSWY3DPEHPK3PXP"
	reauthMsg   = "MFA setup complete, please sign in again."
	badPassword = "Incorrect username or password."
)

type fakeUser struct {
	sub, email, name string
	password         string
	mfaEnrolled      bool
	needsMfaSetup    bool
	mustChangePW     bool
}

// fakeGateway simulates a user pool with the challenge rules the gateway
// normalizes: MFA codes, TOTP enrollment that ends the attempt and forced
// password changes.
type fakeGateway struct {
	mu       sync.Mutex
	users    map[string]*fakeUser
	active   *cognito.Session
	seq      int
	signOuts int
	checks   int
	signIns  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{users: map[string]*fakeUser{
		"alice@example.com": {sub: "sub-alice", email: "alice@example.com", name: "Alice Carter", password: "correct-horse", mfaEnrolled: true},
		"bob@example.com":   {sub: "sub-bob", email: "bob@example.com", name: "Bob Reyes", password: "battery-staple"},
		"carol@example.com": {sub: "sub-carol", email: "carol@example.com", name: "", password: "temp-pass-1", mustChangePW: true, needsMfaSetup: true},
		"dave@example.com":  {sub: "sub-dave", email: "dave@example.com", name: "Dave Li", password: "d4ve-pass", needsMfaSetup: true},
	}}
}

func (f *fakeGateway) session(u *fakeUser, ttl time.Duration) *cognito.Session {
	s := &cognito.Session{
		IDToken:     "id-token-" + u.sub,
		AccessToken: "access-" + u.sub,
		ExpiresAt:   time.Now().Add(ttl),
		Claims: cognito.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: u.sub},
			Email:            u.email,
			Name:             u.name,
			TokenUse:         "id",
		},
	}
	f.active = s
	return s
}

func (f *fakeGateway) challenge(u *fakeUser, kind cognito.ChallengeKind) cognito.Result {
	f.seq++
	return cognito.Result{Kind: cognito.ChallengeIssued, Challenge: &cognito.Handle{
		Kind: kind, Username: u.email, Token: fmt.Sprintf("challenge-%d", f.seq),
	}}
}

func (f *fakeGateway) next(u *fakeUser) cognito.Result {
	switch {
	case u.mustChangePW:
		return f.challenge(u, cognito.ChallengeNewPasswordRequired)
	case u.needsMfaSetup:
		return f.challenge(u, cognito.ChallengeMFASetup)
	case u.mfaEnrolled:
		return f.challenge(u, cognito.ChallengeMFARequired)
	}
	return cognito.Result{Kind: cognito.Authenticated, Session: f.session(u, time.Hour)}
}

func (f *fakeGateway) SignIn(ctx context.Context, identifier, secret string) cognito.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signIns++
	u, ok := f.users[identifier]
	if !ok || u.password != secret {
		return cognito.Result{Kind: cognito.Failed, Failure: cognito.ProviderAuthFailure, Reason: badPassword}
	}
	return f.next(u)
}

func (f *fakeGateway) SubmitChallengeResponse(ctx context.Context, h cognito.Handle, response string) cognito.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[h.Username]
	switch h.Kind {
	case cognito.ChallengeMFARequired:
		if response != goodCode {
			return cognito.Result{Kind: cognito.Failed, Failure: cognito.ChallengeFailure, Reason: "Invalid verification code, please try again."}
		}
		return cognito.Result{Kind: cognito.Authenticated, Session: f.session(u, time.Hour)}
	case cognito.ChallengeNewPasswordRequired:
		if len(response) < 8 {
			return cognito.Result{Kind: cognito.Failed, Failure: cognito.ChallengeFailure, Reason: "Password does not conform to policy."}
		}
		u.password = response
		u.mustChangePW = false
		return f.next(u)
	}
	return cognito.Result{Kind: cognito.Failed, Failure: cognito.ChallengeFailure, Reason: "unexpected challenge"}
}

func (f *fakeGateway) BeginMfaEnrollment(ctx context.Context, h cognito.Handle) (string, cognito.Handle, error) {
	if !h.Pending() {
		return "", h, cognito.ErrNoPendingChallenge
	}
	if h.Token == "expired" {
		return "", h, errors.New("associate software token: Invalid session for the user, session is expired.")
	}
	h.Token += "-associated"
	return totpSecret, h, nil
}

func (f *fakeGateway) CompleteMfaEnrollment(ctx context.Context, h cognito.Handle, code string) cognito.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code != goodCode {
		return cognito.Result{Kind: cognito.Failed, Failure: cognito.ChallengeFailure, Reason: "Invalid verification code, please try again."}
	}
	u := f.users[h.Username]
	u.needsMfaSetup = false
	u.mfaEnrolled = true
	return cognito.Result{Kind: cognito.Failed, Failure: cognito.ReauthRequired, Reason: reauthMsg}
}

func (f *fakeGateway) SignOut(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.active = nil
}

func (f *fakeGateway) ActiveSession(ctx context.Context) *cognito.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.active
}

// Package session holds the process-wide sign-in state: who is logged in
// and which challenge step a sign-in attempt is on. It drives the
// credential gateway and persists only the user identity.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/cognito"
	"github.com/ehr/portal/internal/platform/storage"
)

// ErrNotAuthenticated is returned by BearerToken when no session is live.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrNoPendingChallenge is returned by SetupMfa outside the MFA setup step.
var ErrNoPendingChallenge = cognito.ErrNoPendingChallenge

const msgNoPendingChallenge = "No sign-in challenge is pending."

// tokenRefreshSkew is how close to expiry BearerToken revalidates.
const tokenRefreshSkew = 30 * time.Second

// Gateway is the credential gateway as seen by the store.
type Gateway interface {
	SignIn(ctx context.Context, identifier, secret string) cognito.Result
	SubmitChallengeResponse(ctx context.Context, h cognito.Handle, response string) cognito.Result
	BeginMfaEnrollment(ctx context.Context, h cognito.Handle) (string, cognito.Handle, error)
	CompleteMfaEnrollment(ctx context.Context, h cognito.Handle, code string) cognito.Result
	SignOut(ctx context.Context)
	ActiveSession(ctx context.Context) *cognito.Session
}

// Options configures a Store.
type Options struct {
	Logger zerolog.Logger
}

// Store is the session state container. Operations are not de-duplicated
// or queued: concurrent calls race at the provider and the last one to
// finish wins. The mutex only keeps snapshots from tearing.
type Store struct {
	gw      Gateway
	storage storage.Storage
	logger  zerolog.Logger

	mu        sync.RWMutex
	phase     Phase
	user      *User
	username  string
	session   *cognito.Session
	challenge *cognito.Handle
	secret    string
	lastErr   string

	subs map[<-chan Snapshot]chan Snapshot
}

// New builds a store and restores the persisted user identity. The store
// starts Unauthenticated regardless; CheckSession revalidates.
func New(ctx context.Context, gw Gateway, st storage.Storage, opts Options) *Store {
	if st == nil {
		st = storage.NewMemory()
	}
	s := &Store{
		gw:      gw,
		storage: st,
		logger:  opts.Logger.With().Str("component", "session").Logger(),
		subs:    make(map[<-chan Snapshot]chan Snapshot),
	}
	u, err := LoadUser(ctx, st)
	if err != nil {
		s.logger.Warn().Err(err).Msg("restore persisted user")
	}
	s.user = u
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:               s.phase,
		Username:            s.username,
		IsAuthenticated:     s.phase == Authenticated,
		MFARequired:         s.phase == AwaitingMfaCode,
		MFASetupRequired:    s.phase == AwaitingMfaSetup,
		NewPasswordRequired: s.phase == AwaitingNewPassword,
		TOTPSecret:          s.secret,
		Error:               s.lastErr,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	if s.session != nil {
		exp := s.session.ExpiresAt
		snap.ExpiresAt = &exp
	}
	return snap
}

// Login starts a new sign-in attempt, abandoning any pending challenge.
// A challenge also ends the previous user's provider session, so a later
// CheckSession cannot bring it back.
func (s *Store) Login(ctx context.Context, identifier, secret string) Outcome {
	identifier = strings.TrimSpace(identifier)
	res := s.gw.SignIn(ctx, identifier, secret)

	if res.Kind == cognito.Failed {
		s.commit(ctx, func() {
			s.challenge = nil
			s.secret = ""
			if s.phase != Authenticated {
				s.phase = Unauthenticated
			}
			s.lastErr = res.Reason
		})
		s.logger.Info().Str("failure", res.Failure.String()).Msg("login failed")
		return Outcome{Error: res.Reason, Failure: res.Failure}
	}

	s.mu.Lock()
	stale := s.session != nil || s.user != nil
	s.username = identifier
	s.mu.Unlock()
	if res.Kind == cognito.ChallengeIssued && stale {
		s.gw.SignOut(ctx)
	}
	return s.apply(ctx, res)
}

// VerifyMfa answers a SOFTWARE_TOKEN_MFA challenge. A wrong code keeps the
// challenge so the user can retry.
func (s *Store) VerifyMfa(ctx context.Context, code string) Outcome {
	h, ok := s.pending(AwaitingMfaCode)
	if !ok {
		return noPendingChallenge()
	}
	return s.apply(ctx, s.gw.SubmitChallengeResponse(ctx, h, code))
}

// SetupMfa fetches a TOTP secret for the pending MFA_SETUP challenge.
// Calling it in any other phase is a programming error.
func (s *Store) SetupMfa(ctx context.Context) (string, error) {
	h, ok := s.pending(AwaitingMfaSetup)
	if !ok {
		return "", ErrNoPendingChallenge
	}

	secret, next, err := s.gw.BeginMfaEnrollment(ctx, h)
	if err != nil {
		s.commit(ctx, func() { s.lastErr = err.Error() })
		return "", err
	}

	s.commit(ctx, func() {
		if s.phase != AwaitingMfaSetup {
			return
		}
		s.challenge = &next
		s.secret = secret
		s.lastErr = ""
	})
	s.logger.Info().Msg("mfa enrollment started")
	return secret, nil
}

// CompleteMfaSetup verifies the first code from the new authenticator. On
// success the sign-in attempt is spent and the user must log in again.
func (s *Store) CompleteMfaSetup(ctx context.Context, code string) Outcome {
	h, ok := s.pending(AwaitingMfaSetup)
	if !ok {
		return noPendingChallenge()
	}

	res := s.gw.CompleteMfaEnrollment(ctx, h, code)
	if res.NeedsReauth() {
		s.commit(ctx, s.clearLocked)
		s.logger.Info().Msg("mfa enrollment complete, re-login required")
		return Outcome{Success: true, ReauthRequired: true, Message: res.Reason}
	}
	return s.apply(ctx, res)
}

// CompleteNewPassword answers NEW_PASSWORD_REQUIRED. The provider may follow
// up with an MFA challenge.
func (s *Store) CompleteNewPassword(ctx context.Context, password string) Outcome {
	h, ok := s.pending(AwaitingNewPassword)
	if !ok {
		return noPendingChallenge()
	}
	return s.apply(ctx, s.gw.SubmitChallengeResponse(ctx, h, password))
}

// Logout signs out at the provider and clears every field at once.
func (s *Store) Logout(ctx context.Context) {
	s.gw.SignOut(ctx)
	s.commit(ctx, s.clearLocked)
	s.logger.Info().Msg("logged out")
}

// CheckSession revalidates the provider session cached from an earlier run.
// A pending challenge is left alone when no session is found.
func (s *Store) CheckSession(ctx context.Context) bool {
	sess := s.gw.ActiveSession(ctx)
	snap := s.commit(ctx, func() {
		if sess != nil {
			s.setSessionLocked(sess)
			return
		}
		if s.phase == Authenticated || s.phase == Unauthenticated {
			s.clearLocked()
		}
	})
	return snap.IsAuthenticated
}

// BearerToken returns the ID token to present to the backend, revalidating
// it first when it is about to expire.
func (s *Store) BearerToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess == nil {
		return "", ErrNotAuthenticated
	}
	if time.Until(sess.ExpiresAt) > tokenRefreshSkew {
		return sess.IDToken, nil
	}

	if !s.CheckSession(ctx) {
		return "", ErrNotAuthenticated
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return "", ErrNotAuthenticated
	}
	return s.session.IDToken, nil
}

// Subscribe returns a channel that receives a snapshot after every state
// change. Slow readers only see the latest snapshot.
func (s *Store) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.subs[ch] = ch
	s.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery and closes the channel.
func (s *Store) Unsubscribe(ch <-chan Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(c)
	}
}

// apply folds a gateway result into the state.
func (s *Store) apply(ctx context.Context, res cognito.Result) Outcome {
	switch res.Kind {
	case cognito.Authenticated:
		s.commit(ctx, func() { s.setSessionLocked(res.Session) })
		return Outcome{Success: true}

	case cognito.ChallengeIssued:
		h := *res.Challenge
		snap := s.commit(ctx, func() {
			s.session = nil
			s.user = nil
			s.challenge = &h
			s.secret = ""
			s.lastErr = ""
			s.phase = phaseFor(h.Kind)
		})
		return challengeOutcome(snap.Phase)

	default:
		s.commit(ctx, func() { s.lastErr = res.Reason })
		return Outcome{Error: res.Reason, Failure: res.Failure}
	}
}

// pending returns the challenge handle if the store is in phase p.
func (s *Store) pending(p Phase) (cognito.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != p || s.challenge == nil {
		return cognito.Handle{}, false
	}
	return *s.challenge, true
}

// commit applies mutate under the write lock, then persists and publishes
// the result before releasing it.
func (s *Store) commit(ctx context.Context, mutate func()) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.phase
	mutate()

	if err := saveUser(ctx, s.storage, s.user); err != nil {
		s.logger.Warn().Err(err).Msg("persist session identity")
	}
	if from != s.phase {
		s.logger.Info().Stringer("from", from).Stringer("to", s.phase).Msg("session phase changed")
	}

	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

func (s *Store) setSessionLocked(sess *cognito.Session) {
	s.session = sess
	s.user = userFromClaims(sess.Claims)
	s.challenge = nil
	s.secret = ""
	s.lastErr = ""
	s.phase = Authenticated
}

func (s *Store) clearLocked() {
	s.phase = Unauthenticated
	s.user = nil
	s.username = ""
	s.session = nil
	s.challenge = nil
	s.secret = ""
	s.lastErr = ""
}

func noPendingChallenge() Outcome {
	return Outcome{Error: msgNoPendingChallenge, Failure: cognito.NoPendingChallenge}
}

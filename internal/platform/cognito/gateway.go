// Package cognito is the credential gateway: it drives the Cognito user pool
// sign-in and challenge API and normalizes every provider response into a
// single Result value. Expected provider failures are results, not errors.
package cognito

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/storage"
)

// API is the subset of the Cognito identity provider client the gateway
// uses. *cognitoidentityprovider.Client satisfies it.
type API interface {
	InitiateAuth(ctx context.Context, in *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	RespondToAuthChallenge(ctx context.Context, in *cip.RespondToAuthChallengeInput, optFns ...func(*cip.Options)) (*cip.RespondToAuthChallengeOutput, error)
	AssociateSoftwareToken(ctx context.Context, in *cip.AssociateSoftwareTokenInput, optFns ...func(*cip.Options)) (*cip.AssociateSoftwareTokenOutput, error)
	VerifySoftwareToken(ctx context.Context, in *cip.VerifySoftwareTokenInput, optFns ...func(*cip.Options)) (*cip.VerifySoftwareTokenOutput, error)
	GlobalSignOut(ctx context.Context, in *cip.GlobalSignOutInput, optFns ...func(*cip.Options)) (*cip.GlobalSignOutOutput, error)
}

// Options configures a Gateway.
type Options struct {
	ClientID     string
	ClientSecret string
	// DeviceName labels the enrolled authenticator in the user pool.
	DeviceName string
	Verifier   TokenVerifier
	Storage    storage.Storage
	Logger     zerolog.Logger
}

// Gateway translates sign-in intents into Cognito calls. It keeps no
// per-attempt state of its own: challenge continuations travel in Handles.
type Gateway struct {
	api          API
	clientID     string
	clientSecret string
	deviceName   string
	verifier     TokenVerifier
	cache        *sessionCache
	logger       zerolog.Logger
}

// New builds a Gateway over api. Without Options.Storage the provider
// session cache lives in memory.
func New(api API, opts Options) *Gateway {
	store := opts.Storage
	if store == nil {
		store = storage.NewMemory()
	}
	deviceName := opts.DeviceName
	if deviceName == "" {
		deviceName = "Authenticator"
	}
	return &Gateway{
		api:          api,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		deviceName:   deviceName,
		verifier:     opts.Verifier,
		cache:        newSessionCache(store, opts.ClientID),
		logger:       opts.Logger.With().Str("component", "cognito").Logger(),
	}
}

// SignIn starts a USER_PASSWORD_AUTH flow.
func (g *Gateway) SignIn(ctx context.Context, identifier, secret string) Result {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return failed(ProviderAuthFailure, "Username and password are required.")
	}

	params := map[string]string{
		"USERNAME": identifier,
		"PASSWORD": secret,
	}
	g.addSecretHash(params, identifier)

	out, err := g.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       aws.String(g.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return g.fail("sign_in", err, ProviderAuthFailure)
	}
	return g.resolve(ctx, identifier, out.AuthenticationResult, out.ChallengeName, out.ChallengeParameters, out.Session)
}

// SubmitChallengeResponse answers a MFA-code or new-password challenge.
// An MFA code ends in Authenticated or Failed; a new password may lead on
// to an MFA challenge.
func (g *Gateway) SubmitChallengeResponse(ctx context.Context, h Handle, response string) Result {
	if !h.Pending() {
		return failed(NoPendingChallenge, reasonNoChallenge)
	}

	responses := map[string]string{"USERNAME": h.Username}
	switch h.Kind {
	case ChallengeMFARequired:
		responses["SOFTWARE_TOKEN_MFA_CODE"] = strings.TrimSpace(response)
	case ChallengeNewPasswordRequired:
		responses["NEW_PASSWORD"] = response
	default:
		return failed(ChallengeFailure, fmt.Sprintf("Challenge %s cannot be answered directly.", h.Kind))
	}
	g.addSecretHash(responses, h.Username)

	out, err := g.api.RespondToAuthChallenge(ctx, &cip.RespondToAuthChallengeInput{
		ChallengeName:      types.ChallengeNameType(h.Kind),
		ClientId:           aws.String(g.clientID),
		ChallengeResponses: responses,
		Session:            aws.String(h.Token),
	})
	if err != nil {
		return g.fail("respond_to_challenge", err, ChallengeFailure)
	}

	res := g.resolve(ctx, h.Username, out.AuthenticationResult, out.ChallengeName, out.ChallengeParameters, out.Session)
	if h.Kind == ChallengeMFARequired && res.Kind == ChallengeIssued {
		return failed(ChallengeFailure, fmt.Sprintf("Unexpected challenge %s after MFA code.", res.Challenge.Kind))
	}
	return res
}

// BeginMfaEnrollment associates a new software token with the pending
// MFA_SETUP challenge and returns the shared secret together with the
// handle to use for CompleteMfaEnrollment.
func (g *Gateway) BeginMfaEnrollment(ctx context.Context, h Handle) (string, Handle, error) {
	if !h.Pending() {
		return "", h, ErrNoPendingChallenge
	}

	out, err := g.api.AssociateSoftwareToken(ctx, &cip.AssociateSoftwareTokenInput{
		Session: aws.String(h.Token),
	})
	if err != nil {
		kind, reason := classify(err, ChallengeFailure)
		g.logger.Warn().Str("op", "associate_software_token").Str("failure", kind.String()).Msg(reason)
		return "", h, fmt.Errorf("associate software token: %s", reason)
	}

	next := h
	if s := aws.ToString(out.Session); s != "" {
		next.Token = s
	}
	return aws.ToString(out.SecretCode), next, nil
}

// CompleteMfaEnrollment verifies the first TOTP code of a new enrollment.
// Success never yields a session: Cognito invalidates the sign-in attempt
// once the token is verified, so the result is ReauthRequired.
func (g *Gateway) CompleteMfaEnrollment(ctx context.Context, h Handle, code string) Result {
	if !h.Pending() {
		return failed(NoPendingChallenge, reasonNoChallenge)
	}

	out, err := g.api.VerifySoftwareToken(ctx, &cip.VerifySoftwareTokenInput{
		Session:            aws.String(h.Token),
		UserCode:           aws.String(strings.TrimSpace(code)),
		FriendlyDeviceName: aws.String(g.deviceName),
	})
	if err != nil {
		return g.fail("verify_software_token", err, ChallengeFailure)
	}
	if out.Status != types.VerifySoftwareTokenResponseTypeSuccess {
		return failed(ChallengeFailure, reasonBadCode)
	}

	g.logger.Info().Str("username", h.Username).Msg("software token enrolled")
	return failed(ReauthRequired, reasonReauth)
}

// SignOut revokes the cached session at the provider and forgets it
// locally. Provider errors are logged and otherwise ignored.
func (g *Gateway) SignOut(ctx context.Context) {
	cs, err := g.cache.load(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("load cached session for sign-out")
	}
	if cs != nil && cs.AccessToken != "" {
		if _, err := g.api.GlobalSignOut(ctx, &cip.GlobalSignOutInput{
			AccessToken: aws.String(cs.AccessToken),
		}); err != nil {
			g.logger.Warn().Err(err).Msg("global sign-out failed")
		}
	}
	if err := g.cache.clear(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("clear cached session")
	}
}

// ActiveSession returns the locally cached provider session if its ID token
// still verifies, refreshing it once when it has expired. It returns nil on
// any failure and never panics or errors.
func (g *Gateway) ActiveSession(ctx context.Context) *Session {
	cs, err := g.cache.load(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("load cached session")
		g.forget(ctx)
		return nil
	}
	if cs == nil || cs.IDToken == "" {
		return nil
	}

	claims, err := g.verifier.Verify(ctx, cs.IDToken)
	if err == nil {
		return sessionFromCache(cs, claims)
	}
	if !errors.Is(err, ErrTokenExpired) || cs.RefreshToken == "" {
		g.logger.Info().Err(err).Msg("cached session rejected")
		g.forget(ctx)
		return nil
	}

	refreshed, err := g.refresh(ctx, cs)
	if err != nil {
		g.logger.Info().Err(err).Msg("session refresh failed")
		g.forget(ctx)
		return nil
	}
	return refreshed
}

func (g *Gateway) refresh(ctx context.Context, cs *cachedSession) (*Session, error) {
	params := map[string]string{"REFRESH_TOKEN": cs.RefreshToken}
	g.addSecretHash(params, cs.Username)

	out, err := g.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeRefreshTokenAuth,
		ClientId:       aws.String(g.clientID),
		AuthParameters: params,
	})
	if err != nil {
		_, reason := classify(err, ProviderAuthFailure)
		return nil, fmt.Errorf("refresh tokens: %s", reason)
	}
	if out.AuthenticationResult == nil {
		return nil, fmt.Errorf("refresh tokens: provider returned challenge %s", out.ChallengeName)
	}

	// Cognito does not rotate the refresh token on REFRESH_TOKEN_AUTH.
	if out.AuthenticationResult.RefreshToken == nil {
		out.AuthenticationResult.RefreshToken = aws.String(cs.RefreshToken)
	}
	return g.establish(ctx, cs.Username, out.AuthenticationResult)
}

// resolve turns an InitiateAuth/RespondToAuthChallenge response into a Result.
func (g *Gateway) resolve(ctx context.Context, username string, auth *types.AuthenticationResultType, name types.ChallengeNameType, params map[string]string, session *string) Result {
	if auth != nil {
		s, err := g.establish(ctx, username, auth)
		if err != nil {
			g.logger.Error().Err(err).Msg("provider issued an unusable session")
			return failed(ProviderAuthFailure, "The identity provider returned an invalid session.")
		}
		g.logger.Info().Str("sub", s.Claims.Subject).Msg("signed in")
		return authenticated(s)
	}

	if u := params["USER_ID_FOR_SRP"]; u != "" {
		username = u
	}
	h := Handle{Username: username, Token: aws.ToString(session)}

	switch name {
	case types.ChallengeNameTypeSoftwareTokenMfa:
		h.Kind = ChallengeMFARequired
	case types.ChallengeNameTypeMfaSetup:
		h.Kind = ChallengeMFASetup
	case types.ChallengeNameTypeNewPasswordRequired:
		h.Kind = ChallengeNewPasswordRequired
	default:
		g.logger.Warn().Str("challenge", string(name)).Msg("unsupported challenge")
		return failed(ProviderAuthFailure, fmt.Sprintf("Unsupported sign-in challenge %q.", name))
	}

	g.logger.Info().Str("challenge", string(h.Kind)).Msg("challenge issued")
	return challengeIssued(h)
}

// establish verifies the issued ID token and caches the session.
func (g *Gateway) establish(ctx context.Context, username string, auth *types.AuthenticationResultType) (*Session, error) {
	idToken := aws.ToString(auth.IdToken)
	claims, err := g.verifier.Verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	if claims.CognitoUsername != "" {
		username = claims.CognitoUsername
	}

	expiresAt := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	cs := &cachedSession{
		Username:     username,
		IDToken:      idToken,
		AccessToken:  aws.ToString(auth.AccessToken),
		RefreshToken: aws.ToString(auth.RefreshToken),
		ExpiresAt:    expiresAt,
	}
	if err := g.cache.save(ctx, cs); err != nil {
		// The session is still valid for this process.
		g.logger.Warn().Err(err).Msg("cache provider session")
	}
	return sessionFromCache(cs, claims), nil
}

func (g *Gateway) forget(ctx context.Context) {
	if err := g.cache.clear(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("clear cached session")
	}
}

func (g *Gateway) fail(op string, err error, fallback FailureKind) Result {
	kind, reason := classify(err, fallback)
	g.logger.Warn().Str("op", op).Str("failure", kind.String()).Msg(reason)
	return failed(kind, reason)
}

// addSecretHash adds SECRET_HASH for app clients that have a client secret.
func (g *Gateway) addSecretHash(params map[string]string, username string) {
	if g.clientSecret == "" {
		return
	}
	params["SECRET_HASH"] = secretHash(g.clientSecret, username, g.clientID)
}

// secretHash is Base64(HMAC_SHA256(clientSecret, username + clientID)).
func secretHash(clientSecret, username, clientID string) string {
	mac := hmac.New(sha256.New, []byte(clientSecret))
	mac.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sessionFromCache(cs *cachedSession, claims *Claims) *Session {
	return &Session{
		IDToken:      cs.IDToken,
		AccessToken:  cs.AccessToken,
		RefreshToken: cs.RefreshToken,
		ExpiresAt:    cs.ExpiresAt,
		Claims:       *claims,
	}
}

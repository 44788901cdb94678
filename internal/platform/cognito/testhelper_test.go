package cognito

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID = "portal-client"
	testKID      = "test-kid-1"
)

// testPool is a fake user pool signing authority: an RSA key, a JWKS
// endpoint serving it and a helper to mint ID tokens.
type testPool struct {
	key      *rsa.PrivateKey
	srv      *httptest.Server
	issuer   string
	jwksHits atomic.Int32
}

func newTestPool(t *testing.T) *testPool {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	p := &testPool{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/us-east-1_pool/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		jwks := JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: testKID,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	p.issuer = p.srv.URL + "/us-east-1_pool"
	return p
}

func (p *testPool) verifier() *JWKSVerifier {
	return NewJWKSVerifier(p.issuer, testClientID, 5*time.Minute)
}

// idToken mints an ID token for the given user that expires after ttl
// (negative ttl yields an expired token).
func (p *testPool) idToken(t *testing.T, sub, email, name string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:           email,
		EmailVerified:   true,
		Name:            name,
		CognitoUsername: email,
		TokenUse:        "id",
	}
	return p.sign(t, claims)
}

func (p *testPool) sign(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKID
	s, err := tok.SignedString(p.key)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return s
}

// fakeAPI is a scriptable stand-in for the Cognito client.
type fakeAPI struct {
	initiateAuth  func(*cip.InitiateAuthInput) (*cip.InitiateAuthOutput, error)
	respond       func(*cip.RespondToAuthChallengeInput) (*cip.RespondToAuthChallengeOutput, error)
	associate     func(*cip.AssociateSoftwareTokenInput) (*cip.AssociateSoftwareTokenOutput, error)
	verifyToken   func(*cip.VerifySoftwareTokenInput) (*cip.VerifySoftwareTokenOutput, error)
	globalSignOut func(*cip.GlobalSignOutInput) (*cip.GlobalSignOutOutput, error)
	initiateCalls []*cip.InitiateAuthInput
	respondCalls  []*cip.RespondToAuthChallengeInput
	signOutCalls  int
}

func (f *fakeAPI) InitiateAuth(ctx context.Context, in *cip.InitiateAuthInput, _ ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	f.initiateCalls = append(f.initiateCalls, in)
	if f.initiateAuth == nil {
		return nil, context.DeadlineExceeded
	}
	return f.initiateAuth(in)
}

func (f *fakeAPI) RespondToAuthChallenge(ctx context.Context, in *cip.RespondToAuthChallengeInput, _ ...func(*cip.Options)) (*cip.RespondToAuthChallengeOutput, error) {
	f.respondCalls = append(f.respondCalls, in)
	if f.respond == nil {
		return nil, context.DeadlineExceeded
	}
	return f.respond(in)
}

func (f *fakeAPI) AssociateSoftwareToken(ctx context.Context, in *cip.AssociateSoftwareTokenInput, _ ...func(*cip.Options)) (*cip.AssociateSoftwareTokenOutput, error) {
	if f.associate == nil {
		return nil, context.DeadlineExceeded
	}
	return f.associate(in)
}

func (f *fakeAPI) VerifySoftwareToken(ctx context.Context, in *cip.VerifySoftwareTokenInput, _ ...func(*cip.Options)) (*cip.VerifySoftwareTokenOutput, error) {
	if f.verifyToken == nil {
		return nil, context.DeadlineExceeded
	}
	return f.verifyToken(in)
}

func (f *fakeAPI) GlobalSignOut(ctx context.Context, in *cip.GlobalSignOutInput, _ ...func(*cip.Options)) (*cip.GlobalSignOutOutput, error) {
	f.signOutCalls++
	if f.globalSignOut == nil {
		return &cip.GlobalSignOutOutput{}, nil
	}
	return f.globalSignOut(in)
}

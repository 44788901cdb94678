package cognito

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWKSVerifier_Valid(t *testing.T) {
	pool := newTestPool(t)
	v := pool.verifier()
	tok := pool.idToken(t, "sub-1", "alice@example.com", "Alice", time.Hour)

	claims, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "sub-1" || claims.Email != "alice@example.com" || claims.Name != "Alice" {
		t.Errorf("unexpected claims %+v", claims)
	}

	// The key set is cached between verifications.
	if _, err := v.Verify(context.Background(), tok); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if hits := pool.jwksHits.Load(); hits != 1 {
		t.Errorf("JWKS fetched %d times, want 1", hits)
	}
}

func TestJWKSVerifier_Expired(t *testing.T) {
	pool := newTestPool(t)
	tok := pool.idToken(t, "sub-1", "alice@example.com", "Alice", -time.Minute)

	_, err := pool.verifier().Verify(context.Background(), tok)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWKSVerifier_Rejects(t *testing.T) {
	pool := newTestPool(t)
	now := time.Now()
	base := func() Claims {
		return Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "sub-1",
				Issuer:    pool.issuer,
				Audience:  jwt.ClaimStrings{testClientID},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			TokenUse: "id",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Claims)
	}{
		{"wrong audience", func(c *Claims) { c.Audience = jwt.ClaimStrings{"someone-else"} }},
		{"wrong issuer", func(c *Claims) { c.Issuer = "https://cognito-idp.us-east-1.amazonaws.com/other" }},
		{"access token", func(c *Claims) { c.TokenUse = "access" }},
		{"no expiry", func(c *Claims) { c.ExpiresAt = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			tok := pool.sign(t, c)

			_, err := pool.verifier().Verify(context.Background(), tok)
			if err == nil {
				t.Fatal("expected verification error")
			}
			if errors.Is(err, ErrTokenExpired) {
				t.Error("rejection must not be reported as expiry")
			}
		})
	}
}

func TestJWKSVerifier_WrongAlgorithm(t *testing.T) {
	pool := newTestPool(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":       pool.issuer,
		"aud":       testClientID,
		"exp":       time.Now().Add(time.Hour).Unix(),
		"token_use": "id",
	})
	tok.Header["kid"] = testKID
	s, err := tok.SignedString([]byte("shared"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := pool.verifier().Verify(context.Background(), s); err == nil {
		t.Error("expected HS256 token to be rejected")
	}
}

func TestJWKSCache_UnknownKid(t *testing.T) {
	pool := newTestPool(t)
	cache := NewJWKSCache(pool.issuer+"/.well-known/jwks.json", time.Minute)

	if _, err := cache.GetKey(context.Background(), testKID); err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if _, err := cache.GetKey(context.Background(), "rotated-away"); err == nil {
		t.Error("expected error for unknown kid")
	}
	// An unknown kid forces a refetch.
	if hits := pool.jwksHits.Load(); hits != 2 {
		t.Errorf("JWKS fetched %d times, want 2", hits)
	}
}

func TestJWKSCache_EndpointDown(t *testing.T) {
	pool := newTestPool(t)
	cache := NewJWKSCache(pool.srv.URL+"/missing/.well-known/jwks.json", time.Minute)

	if _, err := cache.GetKey(context.Background(), testKID); err == nil {
		t.Error("expected error when JWKS endpoint returns 404")
	}
}

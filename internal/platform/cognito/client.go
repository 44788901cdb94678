package cognito

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/platform/storage"
)

// NewFromConfig builds a Gateway backed by the real Cognito client.
//
// The user-pool sign-in operations are unauthenticated, so the client uses
// anonymous credentials. Retries are disabled: retry policy belongs to the
// caller.
func NewFromConfig(ctx context.Context, cfg *config.Config, store storage.Storage, logger zerolog.Logger) (*Gateway, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.CognitoRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := cip.NewFromConfig(awsCfg, func(o *cip.Options) {
		o.Credentials = aws.AnonymousCredentials{}
		o.Retryer = aws.NopRetryer{}
		if cfg.CognitoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.CognitoEndpoint)
		}
	})

	return New(client, Options{
		ClientID:     cfg.CognitoClientID,
		ClientSecret: cfg.CognitoClientSecret,
		DeviceName:   cfg.MFAIssuer,
		Verifier:     NewJWKSVerifier(cfg.Issuer(), cfg.CognitoClientID, cfg.JWKSCacheTTL),
		Storage:      store,
		Logger:       logger,
	}), nil
}

// OTPAuthURI renders the key URI authenticator apps read from a QR code.
func OTPAuthURI(secret, account, issuer string) string {
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", "6")
	q.Set("period", "30")
	return "otpauth://totp/" + label + "?" + q.Encode()
}

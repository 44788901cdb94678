package cognito

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
)

// ErrNoPendingChallenge is returned when an enrollment call has no handle.
var ErrNoPendingChallenge = errors.New("no pending sign-in challenge")

const (
	reasonBadCredentials = "Incorrect username or password."
	reasonBadCode        = "Invalid verification code, please try again."
	reasonExpiredCode    = "The verification code has expired, please sign in again."
	reasonNoChallenge    = "No sign-in challenge is pending."
	reasonReauth         = "MFA setup complete, please sign in again."
)

// classify maps a provider or transport error onto the failure taxonomy.
// fallback is used for provider errors not specific to a challenge step.
func classify(err error, fallback FailureKind) (FailureKind, string) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "UserNotFoundException":
			// Do not reveal whether the account exists.
			return ProviderAuthFailure, reasonBadCredentials
		case "NotAuthorizedException":
			if fallback == ProviderAuthFailure {
				return ProviderAuthFailure, messageOr(apiErr, reasonBadCredentials)
			}
			return ChallengeFailure, messageOr(apiErr, reasonExpiredCode)
		case "CodeMismatchException", "EnableSoftwareTokenMFAException":
			return ChallengeFailure, reasonBadCode
		case "ExpiredCodeException":
			return ChallengeFailure, reasonExpiredCode
		case "InvalidPasswordException", "InvalidParameterException":
			return fallback, messageOr(apiErr, "The request was rejected by the identity provider.")
		case "PasswordResetRequiredException":
			return ProviderAuthFailure, "Password reset required for this account."
		case "UserNotConfirmedException":
			return ProviderAuthFailure, "This account has not been confirmed."
		case "TooManyRequestsException", "LimitExceededException", "TooManyFailedAttemptsException":
			return fallback, "Too many attempts, please wait and try again."
		default:
			return fallback, messageOr(apiErr, apiErr.ErrorCode())
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NetworkFailure, "The identity provider did not respond in time."
	}
	return NetworkFailure, err.Error()
}

func messageOr(apiErr smithy.APIError, def string) string {
	if msg := apiErr.ErrorMessage(); msg != "" {
		return msg
	}
	return def
}

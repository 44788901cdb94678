// Package portal is the HTTP surface of the clinic portal: the sign-in API
// the login view drives, the guarded SPA bundle and the authenticated
// proxy to the REST backend.
package portal

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/cognito"
	"github.com/ehr/portal/internal/platform/telemetry"
	"github.com/ehr/portal/internal/session"
)

// Store is the session store as driven over HTTP. *session.Store
// satisfies it.
type Store interface {
	Snapshot() session.Snapshot
	Login(ctx context.Context, identifier, secret string) session.Outcome
	VerifyMfa(ctx context.Context, code string) session.Outcome
	SetupMfa(ctx context.Context) (string, error)
	CompleteMfaSetup(ctx context.Context, code string) session.Outcome
	CompleteNewPassword(ctx context.Context, password string) session.Outcome
	Logout(ctx context.Context)
	CheckSession(ctx context.Context) bool
	BearerToken(ctx context.Context) (string, error)
}

type Handler struct {
	store   Store
	issuer  string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewHandler(store Store, issuer string, logger zerolog.Logger) *Handler {
	return &Handler{store: store, issuer: issuer, logger: logger.With().Str("component", "portal").Logger()}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/state", h.State)
	g.POST("/login", h.Login)
	g.POST("/mfa/verify", h.VerifyMfa)
	g.POST("/mfa/setup", h.SetupMfa)
	g.POST("/mfa/setup/complete", h.CompleteMfaSetup)
	g.POST("/new-password", h.CompleteNewPassword)
	g.POST("/logout", h.Logout)
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type codeRequest struct {
	Code string `json:"code" form:"code"`
}

type passwordRequest struct {
	Password string `json:"password" form:"password"`
}

type mfaSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURI string `json:"otpauth_uri"`
}

func (h *Handler) State(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Snapshot())
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.outcome(c, "login", h.store.Login(c.Request().Context(), req.Username, req.Password))
}

func (h *Handler) VerifyMfa(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.outcome(c, "mfa_verify", h.store.VerifyMfa(c.Request().Context(), req.Code))
}

func (h *Handler) SetupMfa(c echo.Context) error {
	secret, err := h.store.SetupMfa(c.Request().Context())
	if err != nil {
		h.metrics.RecordAuth(c.Request().Context(), "mfa_setup", "error")
		if errors.Is(err, session.ErrNoPendingChallenge) {
			return c.JSON(http.StatusConflict, session.Outcome{Error: "No MFA setup is pending."})
		}
		h.logger.Warn().Err(err).Msg("mfa setup failed")
		return c.JSON(http.StatusUnauthorized, session.Outcome{Error: err.Error()})
	}

	h.metrics.RecordAuth(c.Request().Context(), "mfa_setup", "success")
	account := h.store.Snapshot().Username
	return c.JSON(http.StatusOK, mfaSetupResponse{
		Secret:     secret,
		OTPAuthURI: cognito.OTPAuthURI(secret, account, h.issuer),
	})
}

func (h *Handler) CompleteMfaSetup(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.outcome(c, "mfa_setup_complete", h.store.CompleteMfaSetup(c.Request().Context(), req.Code))
}

func (h *Handler) CompleteNewPassword(c echo.Context) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.outcome(c, "new_password", h.store.CompleteNewPassword(c.Request().Context(), req.Password))
}

func (h *Handler) Logout(c echo.Context) error {
	h.store.Logout(c.Request().Context())
	h.metrics.RecordAuth(c.Request().Context(), "logout", "success")
	return c.JSON(http.StatusOK, session.Outcome{Success: true})
}

// outcome writes a store outcome with the status code its failure maps to.
// A pending challenge is a normal 200 response with the matching flag set.
func (h *Handler) outcome(c echo.Context, op string, out session.Outcome) error {
	h.metrics.RecordAuth(c.Request().Context(), op, resultLabel(out))
	if out.Error == "" {
		return c.JSON(http.StatusOK, out)
	}
	return c.JSON(statusFor(out.Failure), out)
}

func statusFor(f cognito.FailureKind) int {
	switch f {
	case cognito.NoPendingChallenge:
		return http.StatusConflict
	case cognito.NetworkFailure:
		return http.StatusBadGateway
	default:
		return http.StatusUnauthorized
	}
}

func resultLabel(out session.Outcome) string {
	switch {
	case out.ReauthRequired:
		return "reauth_required"
	case out.Error != "":
		return out.Failure.String()
	case out.MFARequired, out.MFASetupRequired, out.NewPasswordRequired:
		return "challenge"
	default:
		return "success"
	}
}

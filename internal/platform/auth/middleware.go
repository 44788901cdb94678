// Package auth gates the portal's protected route tree on the session
// store and carries the signed-in user through the request context.
package auth

import (
	"context"

	"github.com/ehr/portal/internal/session"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	UserKey   contextKey = "user"
)

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u *session.User) context.Context {
	if u == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, UserIDKey, u.ID)
	return context.WithValue(ctx, UserKey, u)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func UserFromContext(ctx context.Context) *session.User {
	u, _ := ctx.Value(UserKey).(*session.User)
	return u
}

package middleware

import "context"

type callerKey struct{ name string }

var (
	callerUserKey  = callerKey{"user_id"}
	callerEmailKey = callerKey{"email"}
)

func callerValue(ctx context.Context, key callerKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

func withCallerValue(ctx context.Context, key callerKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

// UserIDFromContext returns the authenticated subject, or "" on anonymous routes.
func UserIDFromContext(ctx context.Context) string { return callerValue(ctx, callerUserKey) }

// EmailFromContext returns the email claim used for first-call provisioning.
func EmailFromContext(ctx context.Context) string { return callerValue(ctx, callerEmailKey) }

func WithUserID(ctx context.Context, userID string) context.Context {
	return withCallerValue(ctx, callerUserKey, userID)
}

func WithEmail(ctx context.Context, email string) context.Context {
	return withCallerValue(ctx, callerEmailKey, email)
}

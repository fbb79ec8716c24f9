// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithUser/UserFromContext for propagating the verified user id

package auth

import "context"

// userIDKey is the key type for storing the authenticated user id in context.
type userIDKey struct{}

// WithUser returns a new context with the authenticated user id attached.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserFromContext retrieves the authenticated user id, returning "" if absent.
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

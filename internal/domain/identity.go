package domain

import "context"

// User is an authenticated account as seen by the metering layer.
type User struct {
	ID    string
	Email string
}

// Identity supplies the current user, if any.
type Identity interface {
	CurrentUser(ctx context.Context) (User, bool)
}

type userKey struct{}

// ContextWithUser stores an authenticated user in the context.
func ContextWithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext extracts the authenticated user. ok is false for guests.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	if !ok || u.ID == "" {
		return User{}, false
	}
	return u, true
}

// ContextIdentity resolves the current user from the request context.
type ContextIdentity struct{}

// CurrentUser implements Identity.
func (ContextIdentity) CurrentUser(ctx context.Context) (User, bool) {
	return UserFromContext(ctx)
}

// StaticIdentity always reports the same user. A zero value is a guest.
type StaticIdentity struct {
	User User
}

// CurrentUser implements Identity.
func (s StaticIdentity) CurrentUser(_ context.Context) (User, bool) {
	if s.User.ID == "" {
		return User{}, false
	}
	return s.User, true
}

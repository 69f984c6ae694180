package auth

import "context"

// User is the identity resolved for a request, shaped after the provider's
// user-info payload. Only the {id, name} projection survives into the session
// cookie; everything else lives for the duration of one request.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Email         string `json:"email,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
}

// Name returns the display name, preferring the global display name over the
// account username.
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// UserResolver materializes a User from its provider-side ID. It is the
// narrow interface behind which the bot/client library lives; the guard stays
// unaware of how users are actually looked up.
type UserResolver interface {
	ResolveUser(ctx context.Context, id string) (*User, error)
}

// UserResolverFunc adapts a function to the UserResolver interface.
type UserResolverFunc func(ctx context.Context, id string) (*User, error)

func (f UserResolverFunc) ResolveUser(ctx context.Context, id string) (*User, error) {
	return f(ctx, id)
}

// userContextKey is an unexported unique key for storing users in context.
type userContextKey struct{}

// WithUser stores user in ctx and returns the derived context. A nil user is
// stored as-is and reads back as "not logged in".
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the User stored in ctx, if any. The boolean is
// false both when no guard ran and when the guard resolved an anonymous
// visitor.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

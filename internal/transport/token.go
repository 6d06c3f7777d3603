package transport

import "context"

// TokenProvider supplies the auth token attached to backend requests. Token
// issuance belongs to an external session provider; implementations are
// expected to answer quickly (e.g. from a cached session).
//
// A provider error is not fatal: callers degrade to unauthenticated requests
// rather than blocking the search.
type TokenProvider interface {
	// AccessToken returns the current access token, or an error when no
	// session is available.
	AccessToken(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context) (string, error)

// AccessToken implements TokenProvider.
func (f TokenProviderFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken returns a TokenProvider that always yields the given token.
// An empty token means unauthenticated.
func StaticToken(token string) TokenProvider {
	return TokenProviderFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

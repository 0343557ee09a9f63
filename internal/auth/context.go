package auth

import "context"

type contextKey struct{}

// Terminal identifies the authenticated desktop terminal behind a request.
type Terminal struct {
	ID string
}

func WithTerminal(ctx context.Context, t Terminal) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

func FromContext(ctx context.Context) (Terminal, bool) {
	t, ok := ctx.Value(contextKey{}).(Terminal)
	return t, ok
}

// TerminalID returns the terminal id from ctx, or "" if unauthenticated.
func TerminalID(ctx context.Context) string {
	t, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return t.ID
}

package auth

import "context"

type contextKeyType struct{}

var contextKey = contextKeyType{}

func withKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, contextKey, name)
}

// KeyName retrieves the authenticated API key's display name from a request
// context, or "" if none is set (auth disabled, or exempt path).
func KeyName(ctx context.Context) string {
	name, _ := ctx.Value(contextKey).(string)
	return name
}

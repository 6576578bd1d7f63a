package auth

import "context"

// Session is the authenticated caller of one request. It is built from the
// bearer token when the request arrives and dropped when it completes;
// collaborators that call upstream services on the caller's behalf read
// Token from it.
type Session struct {
	UserID string
	Role   string // admin or user
	Token  string
}

// IsAdmin reports whether the session bypasses group access checks.
func (s Session) IsAdmin() bool { return s.Role == "admin" }

type ctxKeySession struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKeySession{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKeySession{}).(Session)
	return s, ok
}

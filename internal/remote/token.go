package remote

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/coursely/offline/internal/errors"
)

// TokenSource supplies the bearer token for requests. Refreshing tokens is
// the host application's job.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token returns the token.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// checkToken rejects JWTs whose exp is past. The signature is not checked;
// that is the server's job. Opaque tokens pass through.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return nil
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Before(exp.Time) {
		return apperrors.New(apperrors.ErrAuthExpired, "access token expired at "+exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// SubjectFromToken returns the sub claim of a JWT, which the platform sets to
// the student id. It returns "" for opaque tokens.
func SubjectFromToken(token string) string {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// ABOUTME: HTTP middleware authenticating requests and WebSocket handshakes with JWTs
// ABOUTME: Reads the token from the Authorization header or the token query parameter

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-rooms/internal/store"
)

// ErrNoToken is returned when a request carries no token at all.
var ErrNoToken = errors.New("missing token")

// UserStore is the subset of the store needed to resolve token subjects.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", ErrInvalidToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

// Authenticate resolves the request's token to an AuthContext.
func Authenticate(r *http.Request, users UserStore, verifier TokenVerifier) (*AuthContext, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	userID, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	u, err := users.GetUser(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	return &AuthContext{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		IsSuperuser: u.IsSuperuser,
	}, nil
}

// HTTPMiddleware rejects unauthenticated requests with 401 and attaches the
// AuthContext to authenticated ones. Pass nil logger for default.
func HTTPMiddleware(users UserStore, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := Authenticate(r, users, verifier)
			if err != nil {
				logger.Warn("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

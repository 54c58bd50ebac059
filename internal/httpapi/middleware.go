package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/room"
)

type ctxKey struct{}

// Logger logs every request once it completes.
func Logger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.Info("request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("latency", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Identify reads "Authorization: Token <user id>" into the request context.
// Requests without a valid header pass through anonymously.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := parseToken(r.Header.Get("Authorization")); u != 0 {
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, u))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFrom(r.Context()) == 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody("Authentication credentials were not provided"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func UserFrom(ctx context.Context) room.UserID {
	u, _ := ctx.Value(ctxKey{}).(room.UserID)
	return u
}

// UserFromRequest is the ws.Options.Identify hook.
func UserFromRequest(r *http.Request) room.UserID { return UserFrom(r.Context()) }

func parseToken(h string) room.UserID {
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Token") {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return room.UserID(n)
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/liveroom/internal/hub"
	"github.com/DoyleJ11/liveroom/internal/store"
	"github.com/DoyleJ11/liveroom/internal/ws"
)

func SetupRoutes(h *hub.Hub, st store.Store, log *zap.Logger, wsOpts ws.Options) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if wsOpts.Logger == nil {
		wsOpts.Logger = log
	}
	wsOpts.Identify = UserFromRequest
	a := &api{hub: h, store: st, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Identify)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws/rooms/{id}/comments/", ws.Handler(h, st, wsOpts))

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(Logger(log))

		r.Get("/", a.listRooms)
		r.Get("/{id}/", a.getRoom)
		r.Get("/{id}/participants/", a.participants)
		r.Get("/{id}/comments/", a.comments)

		// Authenticated
		r.Group(func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/", a.createRoom)
			r.Patch("/{id}/", a.updateRoom)
			r.Delete("/{id}/", a.deleteRoom)
			r.Post("/{id}/users/ban/", a.ban)
			r.Delete("/{id}/users/ban/", a.unban)
			r.Post("/{id}/deactivate/", a.deactivate)
			r.Post("/{id}/vote/", a.vote)
			r.Post("/{id}/participants/", a.join)
			r.Delete("/{id}/participants/", a.leave)
			r.Post("/{id}/comments/", a.addComment)
		})
	})
	return r
}

package handlers

import (
	"net/http"

	"duo-sync-backend/internal/middleware"
	"duo-sync-backend/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps holds everything the router serves
type Deps struct {
	UserService    *services.UserService
	PairService    *services.PairService
	UnlinkService  *services.UnlinkService
	PhotoService   *services.PhotoService
	MessageService *services.MessageService
	Hub            *services.WSHub

	// JoinLimiter throttles code guessing on /pairs/join; nil disables it.
	JoinLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	// Blobs serves locally stored photos under /blobs/ when set.
	Blobs http.Handler
}

// NewRouter builds the HTTP API
func NewRouter(d Deps) http.Handler {
	userHandler := NewUserHandler(d.UserService)
	pairHandler := NewPairHandler(d.PairService, d.UnlinkService)
	photoHandler := NewPhotoHandler(d.PairService, d.PhotoService)
	messageHandler := NewMessageHandler(d.PairService, d.MessageService)
	wsHandler := NewWebSocketHandler(d.Hub, d.UserService, d.PairService, d.UnlinkService, d.MessageService)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	join := http.Handler(http.HandlerFunc(pairHandler.Join))
	if d.JoinLimiter != nil {
		join = d.JoinLimiter.Limit(join)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", userHandler.CreateUser)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.UserService))

			r.Get("/me", userHandler.GetMe)
			r.Patch("/me", userHandler.UpdateMe)
			r.Put("/me/push-token", userHandler.UpdatePushToken)

			r.Post("/pairs", pairHandler.GenerateCode)
			r.Method(http.MethodPost, "/pairs/join", join)
			r.Post("/pairs/disconnect", pairHandler.Disconnect)
			r.Post("/pairs/regenerate", pairHandler.Regenerate)
			r.Get("/pairs/current", pairHandler.Current)
			r.Delete("/pairs/current", pairHandler.DeleteCode)
			r.Post("/pairs/current/delete-request", pairHandler.RequestDelete)
			r.Post("/pairs/current/delete-request/resolve", pairHandler.ResolveDelete)

			r.Get("/photos", photoHandler.GetPhotos)
			r.Post("/photos", photoHandler.UploadPhoto)
			r.Post("/photos/{image_id}/replicated", photoHandler.MarkReplicated)

			r.Get("/messages", messageHandler.GetMessages)
			r.Post("/messages", messageHandler.SendMessage)
			r.Post("/messages/seen", messageHandler.MarkSeen)
			r.Delete("/messages/{message_id}", messageHandler.DeleteMessage)
		})
	})

	r.Get("/ws", wsHandler.HandleWebSocket)

	if d.Blobs != nil {
		r.Handle("/blobs/*", http.StripPrefix("/blobs", d.Blobs))
	}
	return r
}

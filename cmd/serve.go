package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"duo-sync-backend/internal/blobstore"
	"duo-sync-backend/internal/handlers"
	"duo-sync-backend/internal/middleware"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := handlers.Deps{
				UserService:    a.userService,
				PairService:    a.pairService,
				UnlinkService:  a.unlinkService,
				PhotoService:   a.photoService,
				MessageService: a.messageService,
				Hub:            a.hub,
				JoinLimiter:    middleware.NewRateLimiter(ctx, rate.Limit(cfg.RateLimit.JoinRPS), cfg.RateLimit.JoinBurst),
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}
			if fsBlobs, ok := a.blobs.(*blobstore.FSStore); ok {
				deps.Blobs = fsBlobs.Handler()
			}

			srv := &http.Server{
				Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				Handler:      handlers.NewRouter(deps),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().
					Str("host", cfg.Server.Host).
					Int("port", cfg.Server.Port).
					Msg("Starting server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed to start: %w", err)
			case <-ctx.Done():
			}

			log.Info().Msg("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server forced to shutdown")
			}
			log.Info().Msg("Server exited")
			return nil
		},
	}
}

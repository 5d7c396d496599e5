package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"duo-sync-backend/internal/mediacache"
	"duo-sync-backend/internal/services"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	var userID, code string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror a pair's gallery into the local media cache for one member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
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

			if code == "" {
				link, err := a.pairService.Current(ctx, userID)
				if err != nil {
					return err
				}
				code = link.Code
			}

			cache, err := mediacache.New(afero.NewOsFs(), cfg.Cache.Dir)
			if err != nil {
				return err
			}
			replicator, err := services.NewReplicator(a.photoService, cache,
				mediacache.NewHTTPFetcher(cfg.Cache.FetchTimeout), cfg.Cache.BrokenSize)
			if err != nil {
				return err
			}

			log.Info().Str("user_id", userID).Str("code", code).Str("dir", cfg.Cache.Dir).Msg("Starting gallery sync")
			return replicator.Run(ctx, code, userID)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "member whose local copy is kept")
	cmd.Flags().StringVar(&code, "code", "", "pair code (defaults to the member's current pair)")
	return cmd
}

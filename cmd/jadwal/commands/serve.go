package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/kelurahan-dev/jadwal/internal/adminapi"
	"github.com/kelurahan-dev/jadwal/internal/webserver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and keep the WhatsApp session connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := bootApp()
			if err != nil {
				return err
			}
			defer application.Release()

			webserver.Init(cfg)
			adminapi.Init(application)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)

			g.Go(webserver.Start)
			g.Go(func() error {
				<-gctx.Done()
				zap.L().Info("jadwal: shutting down")
				return webserver.Shutdown(context.Background())
			})
			g.Go(func() error {
				application.StartWhatsApp(gctx)
				return nil
			})
			return g.Wait()
		},
	}
}

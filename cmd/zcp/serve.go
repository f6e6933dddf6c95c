package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/common/version"
	"github.com/qiniu/zcp/internal/api"
	"github.com/qiniu/zcp/internal/config"
	"github.com/qiniu/zcp/internal/operator"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = appConfig.Server.BindAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withOperator(ctx, func(ctx context.Context, op *operator.Operator) error {
				gin.SetMode(gin.ReleaseMode)
				router := api.NewRouter()
				api.NewApi(op, router, appConfig.Server.Token)
				go operator.StartVerifyScheduler(ctx, op, config.ParseDuration(appConfig.Verify.Interval, 0))

				srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
				errCh := make(chan error, 1)
				go func() {
					log.Info().Str("addr", addr).Str("version", version.Version).Msg("starting zcp api server")
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}
				log.Info().Msg("shutting down zcp api server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.bindAddr)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput() {
				return printJSON(map[string]string{
					"version":   version.Version,
					"revision":  version.Revision,
					"branch":    version.Branch,
					"buildDate": version.BuildDate,
					"goVersion": version.GoVersion,
				})
			}
			fmt.Println(version.Print("zcp"))
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readiness/internal/app"
	"readiness/internal/config"
	"readiness/internal/logging"
	"readiness/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the readiness API for the workspace. Settings come from READINESS_* environment variables; --addr and --base-path override them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			srvCfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				srvCfg.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				srvCfg.BasePath = basePath
			}
			if srvCfg.JWTSecret == "" && !srvCfg.AllowLegacyActorHeader {
				return errors.New("READINESS_JWT_SECRET is required for bearer auth (or set READINESS_ALLOW_LEGACY_ACTOR_HEADER=true for local use)")
			}
			logger := logging.Init(os.Stderr, srvCfg.LogLevel, srvCfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				ActorID:   viper.GetString("actor"),
				Storage:   srvCfg.Storage,
			})
			if err != nil {
				return err
			}
			defer ws.Close()

			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				RBAC:     ws.RBAC,
				BasePath: srvCfg.BasePath,
				Logger:   logger,
				Auth: server.AuthConfig{
					JWTSecret:              srvCfg.JWTSecret,
					AllowLegacyActorHeader: srvCfg.AllowLegacyActorHeader,
					AllowDevLogin:          srvCfg.AllowDevLogin,
				},
				MaxUploadBytes: srvCfg.MaxUploadBytes,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, ws.Engine, ws.Config.Webhooks, logger)

			srv := &http.Server{Addr: srvCfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()
			logger.Info("serving readiness API",
				slog.String("addr", "http://"+srvCfg.Addr+srvCfg.BasePath),
				slog.String("openapi", "/openapi.json"),
				slog.String("docs", "/docs"),
				slog.String("storage", srvCfg.Storage.Backend),
				slog.Int("webhooks", len(ws.Config.Webhooks)),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

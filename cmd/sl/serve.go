package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shipline/internal/app"
	"shipline/internal/logging"
	"shipline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var requireAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serve exposes inference, risk assessment, runs and lifecycle state over HTTP.
Set SHIPLINE_JWT_SECRET to require bearer tokens; without it callers identify themselves with X-User-Id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("jwt-secret"))
			if requireAuth && secret == "" {
				return fmt.Errorf("SHIPLINE_JWT_SECRET is required with --require-auth")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logging.Sync(logger)
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				dispatcher := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, "", logger)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					logger.Info("serving api", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error { return dispatcher.Run(gctx) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				fmt.Printf("Serving Shipline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "refuse to start without a JWT secret")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (prefer SHIPLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	var projects []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		Long:  "Token signs an HS256 bearer token with SHIPLINE_JWT_SECRET. --scope limits the token to the named projects.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = userID()
			}
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), subject, ttl, projects...)
			if err != nil {
				return fmt.Errorf("%w; set SHIPLINE_JWT_SECRET", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --user)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().StringSliceVar(&projects, "scope", nil, "project the token is valid for (repeatable)")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/auth"
	"github.com/TKKRTKY/brain-feed-reader/internal/bridge"
	"github.com/TKKRTKY/brain-feed-reader/internal/config"
	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
	"github.com/TKKRTKY/brain-feed-reader/internal/provider"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newBridgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve storage to renderer processes",
	}
	cmd.AddCommand(newBridgeServeCommand(), newBridgeTokenCommand())
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	if err := appConfig.RequireSigningSecret(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Bridge.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.Bridge.TokenTTL,
	})
}

func newBridgeTokenCommand() *cobra.Command {
	var (
		subject string
		access  string
		tables  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a renderer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rights, err := auth.ParseAccess(access)
			if err != nil {
				return err
			}
			catalog := schema.Default()
			for _, table := range tables {
				if _, err := catalog.Table(table); err != nil {
					return err
				}
			}

			sess, err := loadSession()
			if err != nil {
				return err
			}
			defer sess.logger.Sync() //nolint:errcheck

			issuer, err := newTokenIssuer(sess.config)
			if err != nil {
				return err
			}
			issued, err := issuer.IssueToken(cmd.Context(), auth.Grant{Subject: subject, Access: rights, Tables: tables})
			if err != nil {
				return err
			}
			scope := "*"
			if len(issued.Grant.Tables) > 0 {
				scope = strings.Join(issued.Grant.Tables, ",")
			}
			granted := make([]string, len(issued.Grant.Access))
			for i, right := range issued.Grant.Access {
				granted[i] = string(right)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_at=%s\naccess=%s\ntables=%s\n",
				issued.Value, issued.ExpiresAt.UTC().Format(time.RFC3339), strings.Join(granted, ","), scope)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Renderer identity carried in the token")
	cmd.Flags().StringVar(&access, "access", "read,write", "Comma separated rights granted by the token (read, write)")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "Tables the token may touch (default every table)")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}

func newBridgeServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage host over HTTP and a unix socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd.Context())
		},
	}
}

func runBridge(ctx context.Context) error {
	sess, err := loadSession()
	if err != nil {
		return err
	}
	defer sess.logger.Sync() //nolint:errcheck
	logger := sess.logger

	issuer, err := newTokenIssuer(sess.config)
	if err != nil {
		return err
	}

	// the host owns the database even when started from a renderer environment
	info := sess.platform
	if info.StorageType == platform.StorageRemote {
		info.StorageType = platform.StorageSQLite
	}

	storageProvider, err := provider.Start(ctx, provider.FromAppConfig(sess.config, logger), info)
	if err != nil {
		return err
	}
	defer storageProvider.Close() //nolint:errcheck

	adapter, err := storageProvider.Adapter()
	if err != nil {
		return err
	}
	dispatcher, err := bridge.NewDispatcher(adapter, logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := bridge.NewHTTPHandler(bridge.HTTPDependencies{
		Dispatcher:     dispatcher,
		Tokens:         issuer,
		AllowedOrigins: sess.config.Bridge.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	daemon, err := bridge.NewDaemon(dispatcher, sess.config.Bridge.Socket, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              sess.config.Bridge.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("bridge http starting", zap.String("address", sess.config.Bridge.Address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("bridge socket starting", zap.String("socket", daemon.SocketPath()))
		return daemon.Serve(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("bridge stopped")
	return err
}

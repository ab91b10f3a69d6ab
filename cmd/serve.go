package cmd

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector/api"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector/googleanalytics"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector/mongodb"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector/mssql"
	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector/postgres"
	"github.com/ekaya-inc/ekaya-connect/pkg/auth"
	"github.com/ekaya-inc/ekaya-connect/pkg/config"
	"github.com/ekaya-inc/ekaya-connect/pkg/crypto"
	"github.com/ekaya-inc/ekaya-connect/pkg/database"
	"github.com/ekaya-inc/ekaya-connect/pkg/handlers"
	"github.com/ekaya-inc/ekaya-connect/pkg/middleware"
	"github.com/ekaya-inc/ekaya-connect/pkg/repositories"
	"github.com/ekaya-inc/ekaya-connect/pkg/services"
)

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.Bool("redis", cfg.Redis.Enabled()),
		zap.Bool("google_oauth", cfg.OAuth.Google.Enabled()),
		zap.Duration("query_timeout", cfg.Connectors.QueryTimeout))

	cipher, err := crypto.NewCredentialCipher(cfg.CredentialsKey)
	if err != nil {
		return fmt.Errorf("invalid CONNECTION_CREDENTIALS_KEY: %w", err)
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	var locker services.RefreshLocker
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		locker = services.NewRedisRefreshLocker(redisClient, cfg.OAuth.RefreshLockTTL, logger)
	} else {
		locker = services.NewLocalRefreshLocker()
	}

	connMgr := connector.NewConnectionManager(connector.ConnectionManagerConfig{
		TTLMinutes: cfg.Connectors.PoolTTLMinutes,
		MaxPools:   cfg.Connectors.MaxPools,
	}, logger.Named("pools"))
	defer func() { _ = connMgr.Close() }()

	idle := time.Duration(cfg.Connectors.PoolTTLMinutes) * time.Minute
	registry := connector.NewRegistry(
		postgres.New(connMgr, postgres.Options{
			MaxConns: cfg.Connectors.PoolMaxConns,
			MinConns: cfg.Connectors.PoolMinConns,
			IdleTime: idle,
			MaxRows:  cfg.Connectors.MaxRows,
		}),
		mssql.New(connMgr, mssql.Options{
			MaxOpenConns: int(cfg.Connectors.PoolMaxConns),
			IdleTime:     idle,
			MaxRows:      cfg.Connectors.MaxRows,
		}),
		mongodb.New(connMgr, mongodb.Options{
			MaxPoolSize: uint64(cfg.Connectors.PoolMaxConns),
			IdleTime:    idle,
			MaxRows:     cfg.Connectors.MaxRows,
		}),
		api.New(nil, cfg.Connectors.MaxResponseBytes),
		googleanalytics.New(cfg.OAuth.Google.AnalyticsURL, nil, cfg.Connectors.MaxRows),
	)

	projectRepo := repositories.NewProjectRepository(db)
	teamRepo := repositories.NewTeamRepository(db)
	connectionRepo := repositories.NewConnectionRepository(db)
	credentialRepo := repositories.NewCredentialRepository(db)

	vault := services.NewCredentialVault(credentialRepo, cipher, logger)
	broker, err := services.NewOAuthBroker(services.OAuthBrokerConfig{
		Providers:      oauthProviders(cfg, logger),
		StateSecret:    stateSecret(cfg),
		Vault:          vault,
		Locker:         locker,
		RefreshTimeout: cfg.Connectors.QueryTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create OAuth broker: %w", err)
	}

	accessResolver := services.NewAccessResolver(projectRepo, connectionRepo, teamRepo, logger)
	connectionService := services.NewConnectionService(accessResolver, connectionRepo, vault, registry, db, connMgr, logger)
	queryEngine := services.NewQueryEngine(accessResolver, connectionRepo, vault, broker, registry, cfg.Connectors.QueryTimeout, logger)
	oauthFlow := services.NewOAuthFlowService(accessResolver, connectionRepo, vault, broker, registry, db, connMgr, logger)

	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to create JWKS client: %w", err)
	}
	defer jwksClient.Close()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwksClient, logger), logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, connMgr, logger).RegisterRoutes(mux)
	handlers.NewConnectionsHandler(connectionService, queryEngine, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewConnectionTypesHandler(registry, queryEngine, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewOAuthHandler(oauthFlow, logger).RegisterRoutes(mux, authMiddleware)

	handler := middleware.Recover(logger)(middleware.RequestLogger(logger)(mux))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Writes may wait on a data source for the full query timeout.
		WriteTimeout: cfg.Connectors.QueryTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-connect",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// oauthProviders returns the configured OAuth clients. Connections whose
// provider is missing fail with a validation error when authorized.
func oauthProviders(cfg *config.Config, logger *zap.Logger) []services.OAuthProvider {
	g := cfg.OAuth.Google
	if !g.Enabled() {
		logger.Info("Google OAuth client not configured; Google Analytics connections cannot be authorized")
		return nil
	}

	endpoint := google.Endpoint
	if g.AuthURL != "" {
		endpoint.AuthURL = g.AuthURL
	}
	if g.TokenURL != "" {
		endpoint.TokenURL = g.TokenURL
	}
	userInfo := g.UserInfoURL
	if userInfo == "" {
		userInfo = googleUserInfoURL
	}

	return []services.OAuthProvider{{
		Name: googleanalytics.Provider,
		Config: &oauth2.Config{
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			RedirectURL:  g.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{googleanalytics.Scope, "openid", "email"},
		},
		UserInfoURL: userInfo,
	}}
}

// stateSecret returns the key that signs authorization state. Without an
// explicit secret it is derived from the credentials key.
func stateSecret(cfg *config.Config) []byte {
	if cfg.OAuth.StateSecret != "" {
		return []byte(cfg.OAuth.StateSecret)
	}
	sum := sha256.Sum256([]byte("ekaya-connect/oauth-state\x00" + cfg.CredentialsKey))
	return sum[:]
}

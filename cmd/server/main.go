package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/chi-demo/middleware"
	"github.com/tendant/simple-upload/pkg/simpleupload/api"
	"github.com/tendant/simple-upload/pkg/simpleupload/config"
)

func newLogger(cfg *config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
}

// guard returns the middleware protecting the credential endpoints, or nil
// when neither an API key nor a JWT secret is configured.
func guard(cfg *config.ServerConfig) (func(http.Handler) http.Handler, error) {
	switch {
	case cfg.APIKeySHA256 != "":
		return middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{
			APIKeys: map[string]string{
				"key1": cfg.APIKeySHA256,
			},
		})
	case cfg.JWTSecret != "":
		tokenAuth := jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
		verify := jwtauth.Verifier(tokenAuth)
		return func(next http.Handler) http.Handler {
			return verify(jwtauth.Authenticator(next))
		}, nil
	}
	return nil, nil
}

// mount registers the credential API, the local store and /metrics on r.
func mount(r chi.Router, cfg *config.ServerConfig, backends *config.Backends, logger *slog.Logger) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	auth, err := guard(cfg)
	if err != nil {
		return err
	}

	handler := api.NewHandler(backends.Issuers, policy, api.WithLogger(logger))
	r.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Mount("/", handler.Routes())
	})

	// Local uploads authenticate with their URL signature.
	if backends.Local != nil {
		r.Mount(cfg.LocalMountPath(), backends.Local.Routes())
	}
	r.Handle("/metrics", promhttp.Handler())
	return nil
}

func main() {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	backends, err := cfg.BuildIssuers(context.Background(), logger)
	if err != nil {
		logger.Error("Failed to build issuers", "err", err)
		os.Exit(1)
	}

	server := app.DefaultApp()

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	if err := mount(server.R, cfg, backends, logger); err != nil {
		logger.Error("Failed to mount routes", "err", err)
		os.Exit(1)
	}

	logger.Info("upload credential server starting",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"providers", strings.Join(providerNames(cfg), ","),
	)
	server.Run()
}

func providerNames(cfg *config.ServerConfig) []string {
	var out []string
	for _, p := range cfg.Providers() {
		out = append(out, string(p))
	}
	return out
}

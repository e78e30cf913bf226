package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/app"
	grpcserver "github.com/Dhoini/Sharing-microservice/internal/grpc"
	"github.com/Dhoini/Sharing-microservice/internal/http/routes"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API, gRPC health endpoint and the background sweeper",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Infow("Sharing service starting up", "version", Version, "env", cfg.App.Env)

	if cfg.Auth.JWTSecret == "" {
		log.Warnw("JWT secret is not set, every authenticated request will be rejected")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	application := app.NewApp(cfg, rt.services, rt.parser, rt.registry, log)
	router := gin.New()
	routes.SetupRoutes(router, application, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	grpcServer := grpcserver.NewServer(cfg.GRPC.Port, log.Named("grpc"))

	errCh := make(chan error, 2)
	go func() {
		log.Infow("Starting HTTP server", "port", cfg.App.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sweepCtx, stopSweeper := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	if cfg.Sweeper.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.services.Sweeper.Run(sweepCtx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Infow("Shutdown signal received")
	case err = <-errCh:
		log.Errorw("Server failed, shutting down", "error", err)
	}

	// балансировщик видит NOT_SERVING до того, как закроются соединения
	grpcServer.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	log.Infow("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	grpcServer.Stop()
	stopSweeper()
	wg.Wait()

	log.Infow("Cleanup finished. Goodbye!")
	return err
}

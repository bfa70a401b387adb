// Package main provides the local sync agent for desktop platforms. The UI
// shell talks to it over REST and a WebSocket on localhost; the agent keeps
// the local store in sync in the background.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/dinovending/dino/backend/cmd/desktop/handlers"
	"github.com/dinovending/dino/backend/internal/app"
	"github.com/dinovending/dino/backend/internal/config"
	"github.com/dinovending/dino/backend/internal/logging"
)

func main() {
	configFile := flag.String("config", "", "config file (default: ./dino.yaml when present)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configFile); err != nil {
		logging.Error("agent stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logging.Init(logging.Output(logging.FileOptions{Path: cfg.LogFile}), logging.ParseLevel(cfg.LogLevel))

	a, err := app.New(ctx, cfg, &app.Options{Logger: logging.Get()})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub(a.Store, a.Logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           setupRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	statuses, unsubscribe := a.Orchestrator.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return hub.ForwardStatus(ctx, statuses) })
	g.Go(func() error {
		a.Logger.Component("agent").Info("local agent listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func setupRouter(a *app.App, hub *WSHub) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(handlers.RequestLogger(a.Logger.Component("http")))
	router.Use(gin.Recovery())

	handlers.NewSyncHandler(a).Register(router)
	router.GET("/ws", gin.WrapF(HandleWebSocket(hub)))
	return router
}

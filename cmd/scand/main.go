package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burggraf/iiv25-sub003/internal/api"
	"github.com/burggraf/iiv25-sub003/internal/app"
	"github.com/burggraf/iiv25-sub003/internal/config"
	"github.com/burggraf/iiv25-sub003/internal/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("SCAND_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTrace, err := observability.InitTracingFromEnv("scand")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	a, err := app.New(app.Options{Config: cfg})
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		log.Fatalf("initialize app: %v", err)
	}

	srv := api.NewServer(a.Queue, a.Cache, a.History, a.Camera)
	unsubscribe := a.Queue.Subscribe(srv.PublishJobEvent)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	go func() {
		log.Printf("scand listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	unsubscribe()
	srv.Close()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		log.Printf("app shutdown: %v", err)
	}
}

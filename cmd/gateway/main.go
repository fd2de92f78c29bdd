package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/claudecode-proxy/gateway/internal/app"
	"github.com/claudecode-proxy/gateway/internal/config"
	"github.com/claudecode-proxy/gateway/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to the gateway config file")
	flag.Parse()

	cfg, errLoad := config.Load(*configPath)
	if errLoad != nil {
		log.WithError(errLoad).Fatal("load config")
	}
	if errLogging := logging.Setup(cfg.Logging); errLogging != nil {
		log.WithError(errLogging).Fatal("configure logging")
	}

	gateway, errNew := app.New(cfg)
	if errNew != nil {
		log.WithError(errNew).Fatal("build gateway")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := gateway.Run(ctx); errRun != nil {
		log.WithError(errRun).Fatal("gateway exited")
	}
}

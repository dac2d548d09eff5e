package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jun/trailhunt/backend/internal/app"
	"github.com/jun/trailhunt/backend/internal/config"
	"github.com/jun/trailhunt/backend/internal/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.New(true, 0).Error(ctx, "invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	application, cleanup, err := app.NewApp(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		log.Error(ctx, "startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	lambda.Start(application.HandleRequest)
}

package main

import (
	"context"
	"log"

	"github.com/spf13/pflag"

	"github.com/aussiebroadwan/appsdk/internal/tokenwatch/app"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (APPSDK_* environment variables override it)")
	pflag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	application, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

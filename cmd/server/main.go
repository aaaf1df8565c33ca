package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rl1809/appstore/internal/app"
)

func main() {
	log.SetPrefix("[APPSTORE] ")

	cfg, err := app.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	marketplace, err := app.New(ctx, cfg, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer marketplace.Close()

	if err := marketplace.Run(ctx); err != nil {
		log.Printf("server error: %v", err)
	}
}

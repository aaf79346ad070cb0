// Package main is the entrypoint for the edge auth gateway: the BFF that
// owns browser sessions, enforces authentication and authorization, and
// proxies everything else to the downstream services.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aelexs/edge-auth-gateway/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("GW_CONFIG_FILE"), "path to the optional YAML config file")
	flag.Parse()

	ctx := context.Background()
	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	app, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	return server.Run(ctx, app, nil)
}

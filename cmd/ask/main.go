// Package main provides a CLI for one-shot dispatch through the node pool.
// Usage: ask "prompt" [--nodes configs/nodes.yaml] [--max-tokens N]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"inference-mesh/internal/config"
	"inference-mesh/internal/domain/entity"
	"inference-mesh/internal/infra/transport"
	"inference-mesh/internal/mesh"
	"inference-mesh/internal/resilience"
)

func main() {
	var (
		nodesFile string
		maxTokens int
		timeout   time.Duration
		verbose   bool
	)

	flag.StringVar(&nodesFile, "nodes", "configs/nodes.yaml", "Path to the node pool definition")
	flag.IntVar(&maxTokens, "max-tokens", 0, "Response token cap (0 uses the backend default)")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "Overall dispatch timeout")
	flag.BoolVar(&verbose, "verbose", false, "Log dispatch details to stderr")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: Prompt is required")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Usage: ask \"prompt\" [--nodes configs/nodes.yaml] [--max-tokens N]")
		os.Exit(1)
	}
	prompt := args[0]

	logger := initLogger(verbose)

	nodes, err := config.LoadNodes(nodesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load node pool: %v\n", err)
		os.Exit(1)
	}

	specs, err := nodes.BuildNodeSpecs(transport.LoadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to build node transports: %v\n", err)
		os.Exit(1)
	}

	registry := resilience.NewRegistry(resilience.Config{
		RetryDefaults: mesh.NodeRetryDefaults,
	})
	pool, err := mesh.New(mesh.Config{}, registry, specs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to build mesh: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Debug("dispatching", slog.String("prompt", prompt), slog.Int("nodes", len(specs)))

	chunks, err := pool.Dispatch(ctx, mesh.DispatchRequest{
		Messages:  []entity.Message{{Role: entity.RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Dispatch failed: %v\n", err)
		os.Exit(1)
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			fmt.Fprintf(os.Stderr, "\nError: Stream failed: %v\n", chunk.Err)
			os.Exit(1)
		}
		fmt.Print(chunk.Content)
	}
	fmt.Println()
}

func initLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

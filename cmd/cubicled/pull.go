package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
)

func runPullCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: cubicled pull [image]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	ref := cfg.Sandbox.Image
	if len(args) == 1 {
		ref = args[0]
	}
	if ref == "" {
		fmt.Fprintln(os.Stderr, "Error: no image configured; set sandbox.image in config.yaml or pass one")
		return 1
	}

	engine, err := cubicle.NewDockerEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "container engine: %v\n", err)
		return 1
	}
	defer engine.Close()

	if ok, err := engine.HasImage(ctx, ref); err == nil && ok {
		fmt.Printf("Image %s already present. Pulling to refresh...\n", ref)
	} else {
		fmt.Printf("Pulling %s...\n", ref)
	}

	if err := engine.PullImage(ctx, ref, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: pull failed: %v\n", err)
		return 1
	}
	fmt.Printf("✓ Image %s ready\n", ref)
	return 0
}

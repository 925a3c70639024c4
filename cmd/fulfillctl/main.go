package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/app"
	"github.com/foodshare/fulfillment/internal/config"
	"github.com/foodshare/fulfillment/internal/handler"
)

// fulfillctl runs one operator command given on the command line, or reads
// commands from stdin until "exit" when started without arguments.
func main() {
	defer logger.Init("fulfillctl", false, false, io.Discard).Close()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Error loading config: %v", err)
	}
	a, err := app.New(cfg)
	if err != nil {
		logger.Fatalf("Error wiring services: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := func() {
		cancel()
		a.Close()
	}
	defer shutdown()
	a.Start(ctx)

	h := handler.New(a.Services, os.Stdout)
	if len(os.Args) > 1 {
		if err := h.Execute(ctx, os.Args[1], os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			shutdown()
			os.Exit(1)
		}
		return
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "exit" {
			return
		}
		if err := h.Execute(ctx, parts[0], parts[1:]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

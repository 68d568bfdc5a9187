package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/gamzabox/transcript-formatter/internal/app"
	"github.com/gamzabox/transcript-formatter/internal/config"
	"github.com/gamzabox/transcript-formatter/internal/llm"
)

var version = "dev"

func main() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine home directory: %v\n", err)
		os.Exit(1)
	}

	options := app.Options{
		Store:       config.NewFileStore(home),
		Factory:     llm.NewFactory(nil),
		Input:       os.Stdin,
		Output:      os.Stdout,
		ErrorOutput: os.Stderr,
		HomeDir:     home,
		Version:     version,
	}

	instance, err := app.New(options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = instance.Run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

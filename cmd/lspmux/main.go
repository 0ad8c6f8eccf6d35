// Command lspmux is the entry point for the LSP multiplexing proxy: it
// parses the config file argument, wires up logging, and runs the proxy
// until the session ends or a signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.lspmux.dev/lspmux/internal/config"
	"go.lspmux.dev/lspmux/internal/proxy"
)

const componentName = "Main"

func main() {
	if err := run(); err != nil {
		// A fatal error always reaches stderr, also when -log-file is set.
		if w := log.Writer(); w != os.Stderr {
			log.SetOutput(io.MultiWriter(w, os.Stderr))
		}
		log.Fatalf("[%s] Fatal error: %v", componentName, err)
	}
}

func run() error {
	logFile := flag.String("log-file", "", "path to write logs to (default: stderr)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-log-file path] <config.json>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := setupLogging(*logFile); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	configPath := flag.Arg(0)

	backends, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Backends are dialed/spawned entirely before any client traffic is
	// read: a failure here is fatal and the editor never sees a byte from
	// the proxy.
	p, err := proxy.New(backends)
	if err != nil {
		return fmt.Errorf("failed to start backends: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("[%s] lspmux started with %d backend(s)", componentName, len(backends))
	return p.Start(ctx)
}

// setupLogging routes log output to logPath if given, otherwise stderr —
// never stdout, which carries the LSP wire protocol to the editor.
func setupLogging(logPath string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if logPath == "" {
		log.SetOutput(os.Stderr)
		return nil
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, config.DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open log file %q: %w", logPath, err)
	}
	log.SetOutput(f)
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mbocsi/hostlink/config"
	"github.com/mbocsi/hostlink/host"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hostd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a TOML config file")
	addr := pflag.String("addr", "", "listen address (overrides config)")
	mcpAddr := pflag.String("mcp", "", `MCP endpoint: "stdio" or a listen address (overrides config)`)
	advertise := pflag.Bool("advertise", false, "announce the host over mDNS")
	logLevel := pflag.String("log-level", "", "debug, info, warn or error (overrides config)")
	pflag.Parse()

	cfg, err := config.LoadHost(*configPath)
	if err != nil {
		return err
	}
	if pflag.CommandLine.Changed("addr") {
		cfg.Addr = *addr
	}
	if pflag.CommandLine.Changed("mcp") {
		cfg.MCPAddr = *mcpAddr
	}
	if pflag.CommandLine.Changed("advertise") {
		cfg.Advertise = *advertise
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// stdout carries the MCP stream in stdio mode
	var logOut io.Writer = os.Stdout
	if cfg.MCPAddr == host.MCPAddrStdio {
		logOut = os.Stderr
	}
	logger, err := config.SetupLoggerTo(cfg.Log, logOut)
	if err != nil {
		return err
	}

	h := host.New(host.Options{
		Signature:   cfg.Signature,
		PollingMode: cfg.PollingMode,
		LongWait:    cfg.LongWait.Duration,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Advertise {
		adv, err := host.Advertise(cfg.Instance, cfg.Addr, cfg.Signature)
		if err != nil {
			return err
		}
		defer adv.Shutdown()
	}

	if cfg.MCPAddr != "" {
		mcpServer := host.NewMCPServer(h)
		go func() {
			if err := host.ServeMCP(ctx, mcpServer, cfg.MCPAddr); err != nil {
				slog.Error("MCP server stopped", "error", err.Error())
			}
		}()
	}

	return h.ListenAndServe(ctx, cfg.Addr)
}

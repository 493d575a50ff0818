package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mbocsi/hostlink/client"
	"github.com/mbocsi/hostlink/clock"
	"github.com/mbocsi/hostlink/config"
	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hostlink:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a TOML config file")
	baseURL := pflag.String("base-url", "", "host base URL (overrides config)")
	discover := pflag.Bool("discover", false, "find the host over mDNS")
	transports := pflag.StringSlice("transport", nil, "transport order, e.g. websocket,http (overrides config)")
	logLevel := pflag.String("log-level", "", "debug, info, warn or error (overrides config)")
	pflag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		return err
	}
	if pflag.CommandLine.Changed("base-url") {
		cfg.BaseURL = *baseURL
	}
	if pflag.CommandLine.Changed("discover") {
		cfg.Discover = *discover
	}
	if pflag.CommandLine.Changed("transport") {
		cfg.Transports = *transports
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Discover {
		found, err := client.DiscoverHost(ctx, 5*time.Second)
		if err != nil {
			return err
		}
		cfg.BaseURL = found.BaseURL
		if found.Signature != "" {
			cfg.Signature = found.Signature
		}
	}

	loop := eventloop.New(clock.Real())
	strategies, err := buildStrategies(loop, cfg, logger)
	if err != nil {
		return err
	}
	session := client.NewSession(loop, transport.NewSelector(logger, strategies...), cfg.SessionOptions(logger))
	if err := session.AddRunner(consoleRunner(logger)); err != nil {
		return err
	}

	session.Post(session.Start)
	logger.Info("Client started", "base_url", cfg.BaseURL, "transports", cfg.Transports)

	err = loop.Run(ctx)
	// Run has returned, so the session is ours to close.
	session.Close()
	loop.Drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStrategies(loop *eventloop.Loop, cfg config.ClientConfig, logger *slog.Logger) ([]transport.Strategy, error) {
	opts := cfg.TransportOptions(logger)
	strategies := make([]transport.Strategy, 0, len(cfg.Transports))
	for _, name := range cfg.Transports {
		switch name {
		case "websocket":
			strategies = append(strategies, transport.Strategy{Name: name, New: func() transport.Transport {
				return transport.NewSocketTransport(loop, opts)
			}})
		case "http":
			strategies = append(strategies, transport.Strategy{Name: name, New: func() transport.Transport {
				return transport.NewHTTPTransport(loop, opts)
			}})
		default:
			return nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	return strategies, nil
}

// consoleRunner is a demo plugin: it prints what the host sends and
// answers "console.ping" with a "console.pong" call.
func consoleRunner(logger *slog.Logger) client.Runner {
	return client.Runner{
		Name: "console",
		Run: func(s *client.Session, settings any, localization map[string]string) {
			logger.Info("Console plugin started", "settings", settings, "localization", localization)
			s.InitializePlugin(func(api client.PluginAPI) {
				if err := api.Activate("console", nil, func(err error) {
					logger.Warn("Console plugin lost the host", "error", err.Error())
				}); err != nil {
					s.LogError(err, "console")
					return
				}
				api.RegisterMethod("console.print", func(params any) error {
					logger.Info("Host says", "params", params)
					return nil
				})
				api.RegisterMethod("console.ping", func(params any) error {
					api.Call("console.pong", params, func(r client.Reply) {
						logger.Debug("Pong acknowledged", "result", r.Result)
					}, func(err error) {
						logger.Warn("Pong failed", "error", err.Error())
					})
					return nil
				})
			})
		},
		OnConnectionError: func() {
			logger.Warn("Console plugin waiting for the host")
		},
		Stop: func(s *client.Session) {
			logger.Info("Console plugin stopped")
		},
	}
}

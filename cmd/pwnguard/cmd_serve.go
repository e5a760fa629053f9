package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"k8s.io/klog/v2"

	"github.com/pwnguard/pwnguard/internal/queryserver"
)

func newCmd_Serve() *cli.Command {
	var configPath string
	var filterPath string

	return &cli.Command{
		Name:        "serve",
		Usage:       "Serve point-membership queries over a built filter",
		Description: "Loads a filter file built by the `build` command and answers POST / queries with 204 (not compromised), 205 (compromised), or 400 (malformed request).",
		ArgsUsage:   "-f=<filter-path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "filter-path",
				Aliases:     []string{"f"},
				Usage:       "path to the filter file produced by the build command",
				Required:    true,
				Destination: &filterPath,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a YAML or JSON config file (listen, metrics_listen)",
				Value:       "./pwnguard.yaml",
				Destination: &configPath,
			},
		},
		Action: func(c *cli.Context) error {
			var cfg Config
			if ok, _ := exists(configPath); ok {
				loaded, err := LoadConfig(configPath)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				cfg = *loaded
			} else {
				cfg.withDefaults()
			}

			filter, closeFilter, err := queryserver.LoadFilter(filterPath)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeFilter()

			srv := queryserver.New(filter)

			ctx := c.Context
			stopMetrics := serveMetrics(ctx, cfg.MetricsListen, queryserver.MetricsHandler())
			defer stopMetrics()

			queryServer := &fasthttp.Server{Handler: srv.Handler()}

			go func() {
				<-ctx.Done()
				klog.Info("shutting down query service")
				if err := queryServer.Shutdown(); err != nil {
					klog.Errorf("query service shutdown: %v", err)
				}
			}()

			klog.Infof("query service listening on %s", cfg.Listen)
			if err := queryServer.ListenAndServe(cfg.Listen); err != nil {
				select {
				case <-ctx.Done():
					// Shutdown was requested; ListenAndServe returning is
					// the expected outcome, not a failure.
				default:
					return fmt.Errorf("serve: %w", err)
				}
			}
			return nil
		},
	}
}

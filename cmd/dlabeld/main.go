package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wtnb75/dlabeld/config"
	"github.com/wtnb75/dlabeld/monitor"
	"github.com/wtnb75/dlabeld/nginx"
	"github.com/wtnb75/dlabeld/route"
	"github.com/wtnb75/dlabeld/source"
	"github.com/wtnb75/dlabeld/traefik"
)

const version = "0.1.0"

func newMonitorCommand() *cobra.Command {
	cfg := config.New()
	var configFile string
	var showVersion bool

	cmd := &cobra.Command{
		Use:           "dlabeld [OPTIONS]",
		Short:         "Mirror container routing labels into an nginx configuration.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("dlabeld version %s\n", version)
				return nil
			}
			final := cfg
			if configFile != "" {
				base := config.New()
				if err := config.Load(base, configFile); err != nil {
					return err
				}
				final = config.Merge(base, cfg, cmd.Flags())
			}
			if err := final.Validate(); err != nil {
				return err
			}
			return runMonitor(final)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&showVersion, "version", "v", false, "Print version information and quit")
	flags.StringVar(&configFile, "config-file", "", "Monitor configuration file (JSON)")
	cfg.InstallFlags(flags)
	return cmd
}

func runMonitor(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiClient, err := source.NewAPIClient(cfg.Host)
	if err != nil {
		return err
	}
	var src source.Source
	if cfg.Watch && !cfg.Once {
		src = source.NewEventSource(apiClient)
	} else {
		src = source.NewPollSource(apiClient)
	}
	defer src.Close()

	renderer := nginx.NewRenderer(cfg.ServerName)
	if cfg.TemplateFile != "" {
		if renderer, err = nginx.NewRendererFromFile(cfg.TemplateFile, cfg.ServerName); err != nil {
			return err
		}
	}
	applier, err := nginx.NewApplier(cfg.ConfFile, cfg.ValidateCmd, cfg.ReloadCmd)
	if err != nil {
		return err
	}

	log.G(ctx).WithFields(log.Fields{
		"conf":     cfg.ConfFile,
		"interval": cfg.Interval,
		"watch":    cfg.Watch,
	}).Info("starting monitor")

	m := monitor.New(src, renderer, applier, monitor.Options{
		Interval: cfg.Interval.Std(),
		Debounce: cfg.Debounce.Std(),
		Timeout:  cfg.Timeout.Std(),
		Once:     cfg.Once,
		Extract:  traefik.Options{UseIPAddress: cfg.UseIPAddress},
		Conflict: route.LowestContainerID,
	})
	return m.Run(ctx)
}

func main() {
	cmd := newMonitorCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

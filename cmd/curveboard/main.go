// Command curveboard runs the collaborative curve editor's server-side
// pieces: the session hub, and a small convergence demo of the replicated
// document.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/curveboard/curveboard/command"
	"github.com/curveboard/curveboard/curve"
	"github.com/curveboard/curveboard/document"
	"github.com/curveboard/curveboard/hub"
)

func main() {
	root := &cobra.Command{
		Use:          "curveboard",
		Short:        "Collaborative parametric-curve editing engine",
		SilenceUsage: true,
	}
	root.AddCommand(hubCommand(), demoCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// hubConfig is the yaml file shape for the hub subcommand. Durations use Go
// duration syntax ("60s", "10m").
type hubConfig struct {
	Addr           string `yaml:"addr"`
	EmptyTimeout   string `yaml:"empty_timeout"`
	SweepInterval  string `yaml:"sweep_interval"`
	SweepIdleAfter string `yaml:"sweep_idle_after"`
}

func parseDuration(name, value string, out *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*out = d
	return nil
}

func hubCommand() *cobra.Command {
	var (
		addr       string
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the session hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := hub.Config{Addr: addr}
			if configPath != "" {
				data, err := os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("reading config: %w", err)
				}
				var fileCfg hubConfig
				if err := yaml.Unmarshal(data, &fileCfg); err != nil {
					return fmt.Errorf("parsing config: %w", err)
				}
				if fileCfg.Addr != "" && !cmd.Flags().Changed("addr") {
					cfg.Addr = fileCfg.Addr
				}
				if err := parseDuration("empty_timeout", fileCfg.EmptyTimeout, &cfg.EmptyTimeout); err != nil {
					return err
				}
				if err := parseDuration("sweep_interval", fileCfg.SweepInterval, &cfg.SweepInterval); err != nil {
					return err
				}
				if err := parseDuration("sweep_idle_after", fileCfg.SweepIdleAfter, &cfg.SweepIdleAfter); err != nil {
					return err
				}
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return hub.New(cfg, log).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&configPath, "config", "", "yaml config file")
	return cmd
}

func demoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Show two replicas converging over exchanged change blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()

			// Replica A seeds the session, as the hub would.
			a := document.NewReplicated(log)
			a.Seed()

			// Replica B joins by loading A's full state.
			b := document.NewReplicated(log)
			if _, err := b.Load(a.Save(), true); err != nil {
				return err
			}

			// A shares its initial store: one blue curve.
			blue := &curve.Curve{ID: curve.NewID(), Color: curve.Palette[0]}
			fromA := a.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blue}, nil))
			if err := b.ApplyRemoteChanges(fromA); err != nil {
				return err
			}

			// Concurrent edits on both replicas.
			fromA = a.ExecuteLocalCommand(command.NewAddPoint(blue.ID, blue.Color, curve.Point{X: 10, Y: 10}))
			fromB := b.ExecuteLocalCommand(command.NewAddPoint(blue.ID, blue.Color, curve.Point{X: 20, Y: 20}))

			// Cross-propagate, in opposite orders.
			if err := b.ApplyRemoteChanges(fromA); err != nil {
				return err
			}
			if err := a.ApplyRemoteChanges(fromB); err != nil {
				return err
			}

			for name, r := range map[string]*document.Replicated{"A": a, "B": b} {
				for _, c := range r.Curves() {
					fmt.Printf("replica %s: %s curve with %d points: %v\n",
						name, curve.ColorName(c.Color), len(c.Points), c.Points)
				}
			}
			fmt.Printf("states equal: %t\n", string(a.Save()) == string(b.Save()))
			return nil
		},
	}
}

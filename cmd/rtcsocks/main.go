// Command rtcsocks runs a SOCKS5 tunnel over a WebRTC DataChannel.
//
// An agent advertises itself through a rendezvous store and terminates
// tunnelled TCP streams; a controller negotiates a session with an agent and
// exposes it as a local SOCKS5 proxy. The gateway subcommand serves the HTTP
// rendezvous store and TURN REST credentials.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rtcsocks/internal/config"
	"github.com/1ureka/rtcsocks/internal/util"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
	backend    string
	url        string
	token      string
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "rtcsocks",
		Short:         "SOCKS5 tunnel over a WebRTC DataChannel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.debug {
				util.EnableDebug()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&g.backend, "backend", "", "Rendezvous backend: http, blob, dir or memory")
	pf.StringVar(&g.url, "url", "", "Rendezvous gateway URL (http backend)")
	pf.StringVar(&g.token, "token", "", "Rendezvous gateway bearer token")

	root.AddCommand(newAgentCommand(g))
	root.AddCommand(newControllerCommand(g))
	root.AddCommand(newGatewayCommand(g))
	return root
}

// load resolves the configuration: defaults, then the file, then the
// environment, then flags.
func (g *globalFlags) load() (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if g.backend != "" {
		cfg.Rendezvous.Backend = g.backend
	}
	if g.url != "" {
		cfg.Rendezvous.URL = g.url
	}
	if g.token != "" {
		cfg.Rendezvous.Token = g.token
		cfg.Gateway.Token = g.token
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func banner(role string) {
	pterm.Info.Println(fmt.Sprintf("rtcsocks %s — v%s", role, version))
	pterm.Println()
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/rtcsocks/internal/gateway"
	"github.com/1ureka/rtcsocks/internal/rendezvous"
	"github.com/1ureka/rtcsocks/internal/util"
)

func newGatewayCommand(g *globalFlags) *cobra.Command {
	var addr, dir string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the HTTP rendezvous store and TURN credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Gateway.Addr = addr
			}
			if dir != "" {
				cfg.Gateway.Dir = dir
			}

			var store rendezvous.Store = rendezvous.NewMemoryStore()
			if cfg.Gateway.Dir != "" {
				ds, err := rendezvous.NewDirStore(cfg.Gateway.Dir)
				if err != nil {
					return err
				}
				store = ds
			}

			opts := gateway.Options{Token: cfg.Gateway.Token}
			if cfg.Gateway.TURNSecret != "" {
				opts.TURN = &gateway.TURNConfig{
					Secret: cfg.Gateway.TURNSecret,
					URLs:   cfg.Gateway.TURNURLs,
					TTL:    cfg.Gateway.TURNTTL,
				}
			}
			if opts.Token == "" {
				util.LogWarning("gateway runs without a token; anyone reaching %s can read session descriptors", cfg.Gateway.Addr)
			}

			banner("gateway")
			return gateway.New(store, opts).ListenAndServe(cmd.Context(), cfg.Gateway.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default :9090)")
	cmd.Flags().StringVar(&dir, "dir", "", "Persist keys under this directory instead of memory")
	return cmd
}

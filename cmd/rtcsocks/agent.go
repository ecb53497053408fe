package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/rtcsocks/internal/app"
	"github.com/1ureka/rtcsocks/internal/util"
)

func newAgentCommand(g *globalFlags) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Advertise this machine and terminate tunnelled streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			switch {
			case id != "":
				cfg.Agent.ID = util.SanitizeAgentID(id)
			case cfg.Agent.ID == "":
				cfg.Agent.ID = util.AgentID()
			}
			ctx := cmd.Context()

			store, err := app.OpenStore(ctx, cfg.Rendezvous)
			if err != nil {
				return err
			}
			src, err := app.RelaySource(cfg.Relay, cfg.Agent.ID, cfg.Rendezvous.Token)
			if err != nil {
				return err
			}
			agent := app.NewAgent(cfg, store, src)

			banner("agent")
			util.StartStatsReporter(ctx)
			err = agent.Run(ctx)
			util.LogInfo("agent stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Agent id (default: derived from the hostname)")
	return cmd
}

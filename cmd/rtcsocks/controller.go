package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rtcsocks/internal/app"
	"github.com/1ureka/rtcsocks/internal/rendezvous"
	"github.com/1ureka/rtcsocks/internal/util"
)

func newControllerCommand(g *globalFlags) *cobra.Command {
	var socksAddr string

	// setup builds a started controller from the resolved configuration.
	setup := func(cmd *cobra.Command) (*app.Controller, error) {
		cfg, err := g.load()
		if err != nil {
			return nil, err
		}
		if socksAddr != "" {
			cfg.Controller.SocksAddr = socksAddr
		}
		store, err := app.OpenStore(cmd.Context(), cfg.Rendezvous)
		if err != nil {
			return nil, err
		}
		src, err := app.RelaySource(cfg.Relay, "controller", cfg.Rendezvous.Token)
		if err != nil {
			return nil, err
		}
		c := app.NewController(cfg, store, src)
		c.Start(cmd.Context())
		return c, nil
	}

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Interactive console: list agents and connect to one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			banner("controller")
			util.StartStatsReporter(cmd.Context())
			runConsole(cmd.Context(), c)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&socksAddr, "socks", "", "SOCKS5 listen address (default 127.0.0.1:1080)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the active agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			return listAgents(cmd.Context(), c)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "connect <agent-id>",
		Short: "Connect to an agent and serve SOCKS5 until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			if _, err := c.Connect(ctx, args[0]); err != nil {
				return err
			}
			util.StartStatsReporter(ctx)
			select {
			case <-ctx.Done():
			case <-c.SessionDone():
				return errors.New("session ended")
			}
			return nil
		},
	})
	return cmd
}

const consoleHelp = `Commands:
  list                 show active agents
  connect <agentId>    connect to agent and start the SOCKS5 proxy
  status               show the current session
  restart              renegotiate the current session
  disconnect           close the current session
  quit/exit            exit controller`

// runConsole reads commands from stdin until quit, EOF or ctx ends.
func runConsole(ctx context.Context, c *app.Controller) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	pterm.Println("Type 'help' for commands.")
	for {
		pterm.Print(pterm.Cyan("> "))
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			pterm.Println()
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}
		if line == "" {
			continue
		}
		if !handleCommand(ctx, c, line) {
			return
		}
	}
}

func handleCommand(ctx context.Context, c *app.Controller, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		pterm.Println(consoleHelp)
	case "list":
		if err := listAgents(ctx, c); err != nil {
			util.LogError("list failed: %v", err)
		}
	case "connect":
		if len(fields) < 2 {
			pterm.Println("Usage: connect <agentId>")
			return true
		}
		if _, err := c.Connect(ctx, fields[1]); err != nil {
			if errors.Is(err, rendezvous.ErrTimeout) {
				util.LogError("no answer from %q: %v", fields[1], err)
			} else {
				util.LogError("connect failed: %v", err)
			}
		}
	case "status":
		if agent, sid, ok := c.Active(); ok {
			pterm.Printfln("connected to %s (session %s)", agent, sid)
		} else {
			pterm.Println("not connected")
		}
	case "restart":
		if err := c.Restart(ctx); err != nil {
			util.LogError("restart failed: %v", err)
		}
	case "disconnect":
		if err := c.Disconnect(); err != nil && !errors.Is(err, app.ErrNotConnected) {
			util.LogWarning("disconnect: %v", err)
		} else if err != nil {
			pterm.Println("not connected")
		}
	case "quit", "exit":
		pterm.Println("Bye.")
		return false
	default:
		pterm.Println("Unknown command. Type 'help'.")
	}
	return true
}

func listAgents(ctx context.Context, c *app.Controller) error {
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		pterm.Println("No active agents found.")
		return nil
	}
	items := make([]pterm.BulletListItem, 0, len(agents))
	for i, id := range agents {
		items = append(items, pterm.BulletListItem{Level: 0, Text: fmt.Sprintf("%d) %s", i+1, id)})
	}
	pterm.Println("Active agents:")
	return pterm.DefaultBulletList.WithItems(items).Render()
}

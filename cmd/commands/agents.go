package commands

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/config"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
)

// NewAgentsCommand returns the agents subcommand.
func NewAgentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "agents",
		Usage: "Manage the agents of a conversation",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List agents and whether they are busy",
				Flags:  []cli.Flag{gatewayFlag(), convFlag()},
				Action: runAgentsList,
			},
			{
				Name:  "seed",
				Usage: "Create agents from a YAML definitions file",
				Flags: []cli.Flag{
					gatewayFlag(),
					convFlag(),
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Definitions file (default agents.definitions or ~/.agentoz/agents.yaml)"},
				},
				Action: runAgentsSeed,
			},
		},
		DefaultCommand: "list",
	}
}

func runAgentsList(ctx context.Context, cmd *cli.Command) error {
	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	var views []orchestrator.AgentView
	if err := api.do(ctx, "GET", "/api/conversations/"+url.PathEscape(cmd.String("conversation"))+"/agents", nil, &views); err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(views) == 0 {
		fmt.Println("No agents in this conversation.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tSTATE\tDESCRIPTION")
	for _, v := range views {
		desc := v.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Name, v.ID, v.State, desc)
	}
	return w.Flush()
}

func runAgentsSeed(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("file")
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.Agents.Definitions
	}
	if path == "" {
		path = filepath.Join(config.AgentozPath(), "agents.yaml")
	}

	defs, err := agents.LoadDefinitions(path)
	if err != nil {
		return err
	}

	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	body := map[string]any{"agents": defs}
	var created []*agents.Agent
	if err := api.do(ctx, "POST", "/api/conversations/"+url.PathEscape(cmd.String("conversation"))+"/agents", body, &created); err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}
	for _, a := range created {
		fmt.Printf("  %s  %s\n", a.ID, a.Name)
	}
	fmt.Printf("Seeded %d agents into %s.\n", len(created), cmd.String("conversation"))
	return nil
}

func convFlag() cli.Flag {
	return &cli.StringFlag{Name: "conversation", Usage: "Conversation ID", Required: true}
}

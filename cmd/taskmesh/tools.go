package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/mcp"
	"github.com/hupe1980/taskmesh/tool"
)

func newToolsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools available after connecting the configured servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := g.load()
			if err != nil {
				return err
			}
			logger := f.Logger(cmd.ErrOrStderr())

			reg, err := newRegistry()
			if err != nil {
				return err
			}

			if servers := f.ServerConfig(); servers != nil {
				mgr := mcp.NewManager(servers, func(o *mcp.ManagerOptions) { o.Logger = logger })
				defer func() { _ = mgr.Close() }()
				if err := mgr.Connect(cmd.Context(), reg); err != nil {
					logger.Warn("cli.tools.connect_failed", "error", err.Error())
				}
			}

			return printTools(cmd, reg)
		},
	}
}

// newRegistry returns the local tools every command starts from.
func newRegistry() (*tool.Registry, error) {
	reg := tool.NewRegistry()
	reg.MustRegister(tool.NewCompleteTaskTool())
	if err := artifact.RegisterFileTools(reg); err != nil {
		return nil, err
	}
	if err := tool.RegisterCalculatorTools(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func printTools(cmd *cobra.Command, reg *tool.Registry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tORIGIN\tSERVER\tDESCRIPTION")
	for _, d := range reg.Snapshot() {
		server := d.Server
		if server == "" {
			server = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Origin, server, firstLine(d.Description))
	}
	return w.Flush()
}

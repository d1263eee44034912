package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowboard/internal/app"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
)

func groupCmd() *cobra.Command {
	g := &cobra.Command{Use: "group", Short: "Manage item groups"}
	g.AddCommand(groupCreateCmd())
	g.AddCommand(groupListCmd())
	g.AddCommand(groupShowCmd())
	g.AddCommand(groupEditCmd("add", "Add an item to a draft group", engine.Engine.AddGroupMember))
	g.AddCommand(groupEditCmd("remove", "Remove an item from a draft group", engine.Engine.RemoveGroupMember))
	g.AddCommand(groupEditCmd("append", "Append an item to a group under analysis", engine.Engine.AppendAnalysisItem))
	g.AddCommand(groupReorderCmd())
	g.AddCommand(groupDependCmd())
	g.AddCommand(groupPromoteCmd())
	g.AddCommand(groupAnalysisCmd())
	g.AddCommand(groupStartCmd())
	return g
}

func groupCreateCmd() *cobra.Command {
	var opts engine.GroupOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := currentProject(ctx, rt)
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				opts.ActorID = actorID()
				g, err := rt.Engine.CreateGroup(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "group name")
	cmd.Flags().BoolVar(&opts.IsBacklog, "backlog", false, "backlog group, promoted automatically once its dependencies are met")
	cmd.Flags().StringSliceVar(&opts.Members, "member", nil, "initial members in chain order")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func groupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := currentProject(ctx, rt)
				if err != nil {
					return err
				}
				groups, err := rt.Engine.ListGroups(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Backlog", "Members"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.ID, g.Name, g.Status, g.IsBacklog, len(g.Members)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func groupShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Show a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.GetGroup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

type memberEdit func(e engine.Engine, ctx context.Context, groupID, itemID, actorID string) (domain.Group, error)

func groupEditCmd(use, short string, edit memberEdit) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <group-id> <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := edit(rt.Engine, ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func groupReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <group-id> <item-id> <position>",
		Short: "Move a member to a new position in the chain",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("position: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.MoveGroupMember(ctx, args[0], args[1], pos, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func groupDependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <group-id> <depends-on-group-id>",
		Short: "Make a group wait for another group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.AddGroupDependency(ctx, args[0], args[1], actorID())
			})
		},
	}
}

func groupPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <group-id>",
		Short: "Freeze a draft group and move it towards execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.PromoteGroup(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func groupAnalysisCmd() *cobra.Command {
	var planJSON string
	cmd := &cobra.Command{
		Use:   "analysis <group-id>",
		Short: "Store the execution plan of a group under analysis",
		Long:  `--plan takes parallel sets in order, e.g. '[["a","b"],["c"]]'. Without it the plan follows member dependencies.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plan [][]string
			if planJSON != "" {
				if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
					return fmt.Errorf("--plan: %w", err)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.FinishAnalysis(ctx, args[0], plan, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&planJSON, "plan", "", "execution plan as JSON")
	return cmd
}

func groupStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <group-id>",
		Short: "Start executing a ready group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.StartGroup(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

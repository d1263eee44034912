package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowboard/internal/app"
	"flowboard/internal/board"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/repo"
)

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Manage work items"}
	it.AddCommand(itemCreateCmd())
	it.AddCommand(itemListCmd())
	it.AddCommand(itemShowCmd())
	it.AddCommand(itemMoveCmd())
	it.AddCommand(itemDecideCmd())
	it.AddCommand(itemApproveCmd())
	it.AddCommand(itemRejectCmd())
	it.AddCommand(itemExitedCmd())
	it.AddCommand(itemEligibilityCmd())
	it.AddCommand(itemCompleteCmd())
	return it
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an item in the initial stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := currentProject(ctx, rt)
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				opts.ActorID = actorID()
				it, err := rt.Engine.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "item title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "item description")
	cmd.Flags().StringVar(&opts.Workdir, "workdir", "", "directory the agent works in")
	cmd.Flags().StringSliceVar(&opts.Paths, "path", nil, "paths the item touches (selects path-scoped artifacts)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilter
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := currentProject(ctx, rt)
				if err != nil {
					return err
				}
				f.ProjectID = p.ID
				f.Phase = domain.Phase(phase)
				items, err := rt.Engine.Repo.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				stages, err := rt.Engine.StagesForBoard(ctx, p.BoardID)
				if err != nil {
					return err
				}
				renderItems(items, stages)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.GroupID, "group", "", "group id")
	cmd.Flags().BoolVar(&f.NeedsAttention, "attention", false, "only items that need a human")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max items")
	return cmd
}

func renderItems(items []domain.Item, stages board.Stages) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Phase", "Cycle", "Attention"})
	for _, it := range items {
		stage := it.StageID
		if s, ok := stages.ByID(it.StageID); ok {
			stage = s.Name
		}
		attention := ""
		if it.Attention != nil {
			attention = color.New(color.FgRed).Sprint(*it.Attention)
		}
		tw.AppendRow(table.Row{it.ID, it.Title, stage, phaseColor(it.Phase), it.Cycle, attention})
	}
	tw.Render()
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show an item with its decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				decisions, err := rt.Engine.Repo.ListDecisions(ctx, it.ID)
				if err != nil {
					return err
				}
				deps, err := rt.Engine.Repo.ListDependencies(ctx, it.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"item": it, "dependencies": deps, "decisions": decisions})
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "move <item-id> <stage-id>",
		Short: "Move an item to a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.MoveItem(ctx, engine.MoveOptions{ItemID: args[0], StageID: args[1], Force: force, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the prerequisite check")
	return cmd
}

func itemDecideCmd() *cobra.Command {
	var answer, feedback string
	var cycle int
	cmd := &cobra.Command{
		Use:   "decide <item-id>",
		Short: "Apply a decision to an item",
		Long:  "Without --answer and --feedback the decision reports that the stage's work completed without an answer.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d *domain.Decision
			if answer != "" || feedback != "" {
				d = &domain.Decision{Answer: answer, Feedback: feedback}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Engine.ResolveAndApply(ctx, engine.ResolveRequest{ItemID: args[0], Decision: d, Cycle: cycle, ActorID: actorID()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printOutcome(out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&answer, "answer", "", "answer to the stage question")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback carried to the next agent run")
	cmd.Flags().IntVar(&cycle, "cycle", 0, "cycle the decision belongs to (see item show)")
	_ = cmd.MarkFlagRequired("cycle")
	return cmd
}

func printOutcome(out engine.Outcome) {
	kind := color.New(color.FgGreen).Sprint(out.Kind)
	if out.Route != "" && out.Route != out.Kind {
		kind += fmt.Sprintf(" (%s)", out.Route)
	}
	if out.Duplicate {
		kind += color.New(color.FgYellow).Sprint(" duplicate")
	}
	fmt.Printf("%s: %s", out.ItemID, kind)
	if out.TargetStageID != "" {
		fmt.Printf(" -> %s", out.TargetStageID)
	}
	fmt.Printf(" [cycle %d, %s]\n", out.Item.Cycle, out.Item.Phase)
}

func itemApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <item-id>",
		Short: "Approve the move an item holds for confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.ApproveTransition(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <item-id>",
		Short: "Reject the held move and rerun the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.RejectTransition(ctx, args[0], feedback, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for the next run")
	return cmd
}

func itemExitedCmd() *cobra.Command {
	var cycle int
	cmd := &cobra.Command{
		Use:   "exited <item-id>",
		Short: "Report that the agent working an item has exited",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Engine.AgentExited(ctx, engine.AgentExit{ItemID: args[0], Cycle: cycle, ActorID: actorID()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printOutcome(out)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&cycle, "cycle", 0, "cycle the agent was launched for")
	_ = cmd.MarkFlagRequired("cycle")
	return cmd
}

func itemEligibilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eligibility <item-id>",
		Short: "Explain whether an item may start work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				el, err := rt.Engine.CheckEligibility(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(el)
			})
		},
	}
}

func itemCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <item-id>",
		Short: "Re-run completion propagation for an item in a terminal stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.PropagateCompletion(ctx, args[0])
			})
		},
	}
}

func attentionCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "attention",
		Short: "List items waiting for a human",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				projectID := ""
				if !all {
					p, err := currentProject(ctx, rt)
					if err != nil {
						return err
					}
					projectID = p.ID
				}
				items, err := rt.Engine.ListAttention(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Reason", "Detail"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, color.New(color.FgRed).Sprint(deref(it.Attention)), it.AttentionDetail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "every project")
	return cmd
}

func depCmd() *cobra.Command {
	d := &cobra.Command{Use: "dep", Short: "Manage item dependencies"}
	d.AddCommand(&cobra.Command{
		Use:   "add <item-id> <depends-on-id>",
		Short: "Make an item wait for another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				dep, err := rt.Engine.AddDependency(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(dep)
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "rm <item-id> <depends-on-id>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.RemoveDependency(ctx, args[0], args[1], actorID())
			})
		},
	})
	return d
}

func triggerCmd() *cobra.Command {
	tr := &cobra.Command{Use: "trigger", Short: "Manage completion triggers"}
	var persistent bool
	add := &cobra.Command{
		Use:   "add <source-id> <target-id>",
		Short: "Start the target whenever the source completes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.AddTrigger(ctx, engine.TriggerOptions{
					SourceItemID: args[0],
					TargetItemID: args[1],
					Persistent:   persistent,
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	add.Flags().BoolVar(&persistent, "persistent", false, "fire on every completion instead of once")
	tr.AddCommand(add)
	return tr
}

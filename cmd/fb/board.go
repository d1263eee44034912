package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowboard/internal/app"
	"flowboard/internal/domain"
)

func boardCmd() *cobra.Command {
	b := &cobra.Command{Use: "board", Short: "Manage boards"}
	b.AddCommand(boardCreateCmd())
	b.AddCommand(boardListCmd())
	b.AddCommand(boardShowCmd())
	return b
}

func boardCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Engine.CreateBoard(ctx, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "board name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func boardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				boards, err := rt.Engine.Repo.ListBoards(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(boards)
			})
		},
	}
}

func boardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <board-id>",
		Short: "Show the stages and transitions of a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stages, err := rt.Engine.StagesForBoard(ctx, args[0])
				if err != nil {
					return err
				}
				transitions, err := rt.Engine.Repo.ListBoardTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stages": stages, "transitions": transitions})
				}
				st := table.NewWriter()
				st.SetOutputMirror(os.Stdout)
				st.AppendHeader(table.Row{"#", "ID", "Stage", "Flags", "Agent", "Answers"})
				for _, s := range stages {
					st.AppendRow(table.Row{s.Position, s.ID, s.Name, stageFlags(s), deref(s.AgentID), s.AnswerOptions})
				}
				st.Render()

				name := func(id *string) string {
					if id == nil {
						return ""
					}
					if s, ok := stages.ByID(*id); ok {
						return s.Name
					}
					return *id
				}
				tt := table.NewWriter()
				tt.SetOutputMirror(os.Stdout)
				tt.AppendHeader(table.Row{"Scope", "From", "To", "When", "Else", "Escalate", "Max", "Confirm"})
				for _, t := range transitions {
					limit := ""
					if t.MaxFailures != nil {
						limit = fmt.Sprint(*t.MaxFailures)
					}
					tt.AppendRow(table.Row{
						t.Scope, name(&t.FromStageID), name(&t.ToStageID), deref(t.Condition),
						name(t.ElseStageID), name(t.EscalationStageID), limit, t.RequiresConfirmation,
					})
				}
				tt.Render()
				return nil
			})
		},
	}
}

func stageFlags(s domain.Stage) string {
	var flags []string
	if s.IsInitial {
		flags = append(flags, "initial")
	}
	if s.StartsWorkflow {
		flags = append(flags, "start")
	}
	if s.IsTerminal {
		if s.IsFailure {
			flags = append(flags, "failure")
		} else {
			flags = append(flags, "terminal")
		}
	}
	if s.IsTemplate {
		flags = append(flags, "template")
	}
	return fmt.Sprint(flags)
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Manage board stages"}
	st.AddCommand(stageAddCmd())
	return st
}

func stageAddCmd() *cobra.Command {
	var (
		s                            domain.Stage
		agent, question, deliverable string
		initial, terminal, failure   bool
		startsWorkflow, template     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a stage to a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.IsInitial, s.IsTerminal, s.IsFailure = initial, terminal || failure, failure
			s.StartsWorkflow, s.IsTemplate = startsWorkflow, template
			s.AgentID = optionalString(agent)
			s.Question = optionalString(question)
			s.Deliverable = optionalString(deliverable)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Engine.AddStage(ctx, s, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&s.BoardID, "board", "", "board id")
	cmd.Flags().StringVar(&s.Name, "name", "", "stage name")
	cmd.Flags().IntVar(&s.Position, "position", 0, "column position")
	cmd.Flags().StringVar(&s.Color, "color", "", "display color")
	cmd.Flags().BoolVar(&initial, "initial", false, "new items start here")
	cmd.Flags().BoolVar(&terminal, "terminal", false, "reaching the stage completes the item")
	cmd.Flags().BoolVar(&failure, "failure", false, "terminal stage that does not satisfy dependents")
	cmd.Flags().BoolVar(&startsWorkflow, "starts-workflow", false, "dependencies are checked on entry")
	cmd.Flags().BoolVar(&template, "template", false, "template stage, exempt from board checks")
	cmd.Flags().StringVar(&agent, "agent", "", "agent that works items in this stage")
	cmd.Flags().StringVar(&question, "question", "", "question the agent answers")
	cmd.Flags().StringSliceVar(&s.AnswerOptions, "options", nil, "allowed answers")
	cmd.Flags().StringVar(&deliverable, "deliverable", "", "what the agent produces")
	_ = cmd.MarkFlagRequired("board")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transition", Short: "Manage transitions"}
	tr.AddCommand(transitionAddCmd())
	tr.AddCommand(transitionListCmd())
	return tr
}

func transitionAddCmd() *cobra.Command {
	var (
		t                                  domain.Transition
		scope, elseStage, escalation, cond string
		maxFailures                        int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a transition between two stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Scope = domain.Scope(scope)
			t.ElseStageID = optionalString(elseStage)
			t.EscalationStageID = optionalString(escalation)
			t.Condition = optionalString(cond)
			if cmd.Flags().Changed("max-failures") {
				t.MaxFailures = &maxFailures
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Engine.AddTransition(ctx, t, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&t.BoardID, "board", "", "board id")
	cmd.Flags().StringVar(&t.FromStageID, "from", "", "source stage id")
	cmd.Flags().StringVar(&t.ToStageID, "to", "", "target stage id")
	cmd.Flags().StringVar(&cond, "when", "", "answer that selects this transition")
	cmd.Flags().StringVar(&elseStage, "else", "", "stage for answers that do not match")
	cmd.Flags().StringVar(&escalation, "escalate", "", "stage once max failures is reached")
	cmd.Flags().IntVar(&maxFailures, "max-failures", 0, "else routes before escalating")
	cmd.Flags().BoolVar(&t.RequiresConfirmation, "confirm", false, "hold the move until approved")
	cmd.Flags().IntVar(&t.Position, "position", 0, "ordering among transitions of the same stage")
	cmd.Flags().StringVar(&scope, "scope", string(domain.ScopeBoard), "board, project or item")
	cmd.Flags().StringVar(&t.ScopeID, "scope-id", "", "project or item id for scoped transitions")
	_ = cmd.MarkFlagRequired("board")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <item-id>",
		Short: "Show the transitions that apply to an item in its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				transitions, scope, err := rt.Engine.TransitionsFor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"scope": scope, "transitions": transitions})
			})
		},
	}
}

func projectCmd() *cobra.Command {
	p := &cobra.Command{Use: "project", Short: "Manage projects"}
	p.AddCommand(projectCreateCmd())
	p.AddCommand(projectListCmd())
	return p
}

func projectCreateCmd() *cobra.Command {
	var boardID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project on a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProject(ctx, boardID, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "board id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("board")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				projects, err := rt.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(projects)
			})
		},
	}
}

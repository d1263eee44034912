package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowboard/internal/app"
	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "fb",
	Short: "flowboard CLI",
	Long: `flowboard moves work items across a kanban board and lets agents drive them.
Core concepts:
- Board: ordered stages. One stage is initial, terminal stages end the work, a stage with an agent runs it.
- Transitions: edges between stages. A condition matches the agent's answer; failures route to the else
  stage until max_failures, then to the escalation stage. Project and item scoped edges override the board.
- Items: cards with a stage, a phase (idle, queued, in_progress, awaiting_response, transitioning) and a cycle
  that grows on every stage entry.
- Decisions: the answer an agent leaves in its decision file, or one you give with 'fb item decide'.
- Dependencies and triggers: an item waits for its dependencies; a trigger starts its target when the source completes.
- Groups: draft sets of items that are promoted, analysed into an ordered plan and executed as a chain.
- Artifacts: versioned notes injected into agent context within a token budget.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(attentionCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default flowboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (schema v%d)\n", color.New(color.FgGreen).Sprint("ready:"), db.Path(workspace), version)
			return nil
		},
	}
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func currentProject(ctx context.Context, rt *app.Runtime) (domain.Project, error) {
	return app.ResolveProject(ctx, rt.Engine.Repo, viper.GetString("project"))
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func phaseColor(p domain.Phase) string {
	switch p {
	case domain.PhaseInProgress:
		return color.New(color.FgCyan).Sprint(p)
	case domain.PhaseAwaitingResponse:
		return color.New(color.FgYellow).Sprint(p)
	case domain.PhaseQueued:
		return color.New(color.FgWhite, color.Faint).Sprint(p)
	default:
		return string(p)
	}
}

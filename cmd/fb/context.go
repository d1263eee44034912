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
	"flowboard/internal/engine"
)

func artifactCmd() *cobra.Command {
	a := &cobra.Command{Use: "artifact", Short: "Manage context artifacts"}
	a.AddCommand(artifactAddCmd())
	a.AddCommand(artifactListCmd())
	return a
}

func artifactAddCmd() *cobra.Command {
	var (
		opts  engine.ArtifactOptions
		scope string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new artifact version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				opts.Content = string(data)
			}
			if opts.Content == "" {
				return fmt.Errorf("--content or --file required")
			}
			opts.Scope = domain.ArtifactScope(scope)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := currentProject(ctx, rt)
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				opts.ActorID = actorID()
				out, err := rt.Engine.AddArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "note", "artifact type (requirement, decision, constraint, ...)")
	cmd.Flags().StringVar(&scope, "scope", string(domain.ArtifactGlobal), "global, item, path or group")
	cmd.Flags().StringVar(&opts.ScopeRef, "ref", "", "item id, path pattern or group id for scoped artifacts")
	cmd.Flags().StringVar(&opts.Title, "title", "", "artifact title")
	cmd.Flags().StringVar(&opts.Content, "content", "", "artifact content")
	cmd.Flags().StringVar(&file, "file", "", "read content from a file")
	cmd.Flags().IntVar(&opts.TokenEstimate, "tokens", 0, "token estimate (default derived from content)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func artifactListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the latest version of every artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := currentProject(ctx, rt)
				if err != nil {
					return err
				}
				artifacts, err := rt.Engine.ListArtifacts(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(artifacts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Scope", "Ref", "Title", "Version", "Tokens"})
				for _, a := range artifacts {
					tw.AppendRow(table.Row{a.Type, a.Scope, a.ScopeRef, a.Title, a.Version, a.TokenEstimate})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func contextCmd() *cobra.Command {
	var budget int
	cmd := &cobra.Command{
		Use:   "context <item-id>",
		Short: "Print the context an agent would receive for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.BuildContext(ctx, args[0], budget)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Print(res.Text)
				fmt.Fprintf(os.Stderr, "\n%d/%d tokens, %d of %d artifacts\n", res.TokensUsed, res.TokensAvailable, res.Included, res.Total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&budget, "budget", 0, "token budget (default from config)")
	return cmd
}

package main

import (
	"context"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/domain"
)

func intentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Manage the intent registry",
		Long:  "Intents are the verbs Shipline understands. Built-ins cover status, analyze, test and release; shipline.yml and 'sl intent add' extend or override them.",
	}
	cmd.AddCommand(intentListCmd())
	cmd.AddCommand(intentAddCmd())
	return cmd
}

func intentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				defs := a.Engine.IntentDefinitions()
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := newTable(table.Row{"Intent", "Targets", "Synonyms", "Default risk", "Description"})
				for _, d := range defs {
					tw.AppendRow(table.Row{d.Name, strings.Join(d.ValidTargets, ","), strings.Join(d.Synonyms, ","), d.DefaultRisk, d.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func intentAddCmd() *cobra.Command {
	var desc, risk string
	var targets, synonyms, examples []string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register or replace an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def := domain.IntentDefinition{
				Name:         args[0],
				Description:  desc,
				ValidTargets: targets,
				Synonyms:     synonyms,
				DefaultRisk:  domain.RiskLevel(risk),
				Examples:     examples,
			}
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				stored, err := a.Engine.RegisterIntent(ctx, def, userID())
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&risk, "risk", "", "default risk (LOW, MEDIUM, HIGH, CRITICAL)")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "valid target (repeatable)")
	cmd.Flags().StringSliceVar(&synonyms, "synonym", nil, "synonym word (repeatable)")
	cmd.Flags().StringSliceVar(&examples, "example", nil, "example command (repeatable)")
	return cmd
}

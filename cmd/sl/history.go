package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/domain"
)

func historyCmd() *cobra.Command {
	var user string
	var limit int
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "List past runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					res, err := a.Engine.GetExecution(ctx, args[0])
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(res)
					}
					printIntent(res.Intent)
					printExecution(res)
					return nil
				}
				filter := domain.ExecutionFilter{ProjectID: a.ProjectID, UserID: user, Limit: limit}
				if since > 0 {
					from := time.Now().UTC().Add(-since)
					filter.Since = &from
				}
				items, err := a.Engine.ListExecutions(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Started", "User", "Intent", "Status", "Duration"})
				for _, res := range items {
					tw.AppendRow(table.Row{
						res.ExecutionID,
						res.StartedAt.Format(time.RFC3339),
						res.UserID,
						res.Intent.String(),
						res.OverallStatus,
						fmt.Sprintf("%dms", res.DurationMS),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "by", "", "only runs by this user")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs newer than this (e.g. 24h)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: phase changes, metric updates, runs and confirmations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var all bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				projectID := a.ProjectID
				if all {
					projectID = ""
				}
				items, err := a.Engine.Events(ctx, projectID, evtType, n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Project", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&all, "all", false, "events from every project")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/sdlc"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [project-id]",
		Short: "Create shipline.yml and start tracking a project",
		Long:  "Init writes a default shipline.yml when the workspace has none and puts the project in PLANNING. Running it again on a tracked project is harmless.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := strings.TrimSpace(viper.GetString("project"))
			if len(args) == 1 {
				projectID = strings.TrimSpace(args[0])
			}
			path := config.Path(workspace)
			_, statErr := os.Stat(path)
			switch {
			case os.IsNotExist(statErr) || force:
				if projectID == "" {
					return fmt.Errorf("project id required: sl init <project-id>")
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
			case statErr != nil:
				return statErr
			}
			viper.Set("project", projectID)
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.InitializeProject(ctx, a.ProjectID, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project %s is in %s\n", st.ProjectID, st.Phase)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing shipline.yml")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project state and release readiness",
		Long:  "The scoreboard for your project: phase, quality metrics, risk and how close it is to a release.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.GetCurrentState(ctx, a.ProjectID)
				if err != nil {
					return err
				}
				ready, err := a.Engine.CalculateReadiness(ctx, a.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"state": st, "readiness": ready})
				}
				printState(st)
				printReadiness(ready)
				return nil
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage project lifecycle state"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectTransitionCmd())
	prj.AddCommand(projectMetricsCmd())
	prj.AddCommand(projectMetricCmd())
	prj.AddCommand(projectReadinessCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <id>",
		Short: "Start tracking a project in PLANNING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			viper.Set("project", projectID)
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.InitializeProject(ctx, projectID, userID())
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Project", "Phase", "Risk", "Readiness", "Updated"})
				for _, st := range items {
					tw.AppendRow(table.Row{st.ProjectID, st.Phase, st.RiskLevel, fmt.Sprintf("%.2f", st.ReleaseReadiness), st.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the project state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.GetCurrentState(ctx, a.ProjectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func projectTransitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition <phase>",
		Short: "Move the project one phase forward or back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParsePhase(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.TransitionTo(ctx, a.ProjectID, to, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printState(st)
				return nil
			})
		},
	}
	return cmd
}

func projectMetricsCmd() *cobra.Command {
	var coverage float64
	var openIssues, totalIssues int
	var deployedAt string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Update quality metrics",
		Long:  "Only the flags given are changed. Risk and readiness are recomputed afterwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var update sdlc.MetricsUpdate
			if cmd.Flags().Changed("coverage") {
				update.TestCoverage = &coverage
			}
			if cmd.Flags().Changed("open-issues") {
				update.OpenIssues = &openIssues
			}
			if cmd.Flags().Changed("total-issues") {
				update.TotalIssues = &totalIssues
			}
			if cmd.Flags().Changed("deployed-at") {
				ts := time.Now().UTC()
				if deployedAt != "now" {
					parsed, err := time.Parse(time.RFC3339, deployedAt)
					if err != nil {
						return fmt.Errorf("invalid --deployed-at %q; want RFC3339 or now", deployedAt)
					}
					ts = parsed
				}
				update.LastDeploymentTime = &ts
			}
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.UpdateMetrics(ctx, a.ProjectID, update, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printState(st)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&coverage, "coverage", 0, "test coverage between 0 and 1")
	cmd.Flags().IntVar(&openIssues, "open-issues", 0, "open issue count")
	cmd.Flags().IntVar(&totalIssues, "total-issues", 0, "total issue count")
	cmd.Flags().StringVar(&deployedAt, "deployed-at", "", "last deployment time (RFC3339 or now)")
	return cmd
}

func projectMetricCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metric <key> <value>",
		Short: "Set a custom metric",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.AddCustomMetric(ctx, a.ProjectID, args[0], parseValue(args[1]), userID())
				if err != nil {
					return err
				}
				return printJSONOrTable(st.CustomMetrics)
			})
		},
	}
	return cmd
}

func projectReadinessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readiness",
		Short: "Assess release readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				ready, err := a.Engine.CalculateReadiness(ctx, a.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ready)
				}
				printReadiness(ready)
				return nil
			})
		},
	}
	return cmd
}

func printState(st domain.ProjectState) {
	fmt.Printf("Project: %s\n", st.ProjectID)
	fmt.Printf("Phase: %s\n", st.Phase)
	fmt.Printf("Risk: %s (%.2f)\n", st.RiskLevel, st.RiskScore)
	if st.TestCoverage != nil {
		fmt.Printf("Coverage: %.0f%%\n", *st.TestCoverage*100)
	} else {
		fmt.Println("Coverage: unknown")
	}
	fmt.Printf("Issues: %d open of %d\n", st.OpenIssues, st.TotalIssues)
	if st.LastDeploymentTime != nil {
		fmt.Printf("Last deployment: %s\n", st.LastDeploymentTime.Format(time.RFC3339))
	} else {
		fmt.Println("Last deployment: never")
	}
	for k, v := range st.CustomMetrics {
		fmt.Printf("  %s: %v\n", k, v)
	}
}

func printReadiness(r domain.ReadinessAssessment) {
	fmt.Printf("Readiness: %.2f (%s)\n", r.Score, r.Status)
	for _, f := range r.ReadyFactors {
		fmt.Printf("  + %s\n", f)
	}
	for _, f := range r.BlockingFactors {
		fmt.Printf("  - %s\n", f)
	}
}

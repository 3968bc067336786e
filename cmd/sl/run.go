package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/orchestrator"
)

func inferCmd() *cobra.Command {
	var contextPairs []string
	cmd := &cobra.Command{
		Use:   "infer <command...>",
		Short: "Show the intent behind a command without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctxMap, err := parsePairs(contextPairs)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.InferIntent(ctx, strings.Join(args, " "), userID(), a.ProjectID, ctxMap)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(in)
				}
				printIntent(in)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil, "extra context for the language model (key=value)")
	return cmd
}

func assessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assess <command...>",
		Short: "Infer a command and rate its risk against the project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.InferIntent(ctx, strings.Join(args, " "), userID(), a.ProjectID, nil)
				if err != nil {
					return err
				}
				ra, err := a.Engine.AssessRisk(ctx, in, a.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"intent": in, "assessment": ra})
				}
				printIntent(in)
				printAssessment(os.Stdout, ra)
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var yes bool
	var timeout time.Duration
	var paramPairs, contextPairs []string
	cmd := &cobra.Command{
		Use:   "run <command...>",
		Short: "Infer, assess and execute a command",
		Long: `Run infers the intent behind the command, rates its risk and hands it to the matching agent.
Risky runs ask for confirmation on the terminal; pass --yes to confirm up front.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parsePairs(paramPairs)
			if err != nil {
				return err
			}
			ctxMap, err := parsePairs(contextPairs)
			if err != nil {
				return err
			}
			anyParams := make(map[string]any, len(params))
			for k, v := range params {
				anyParams[k] = v
			}
			confirmer := promptConfirmer{in: os.Stdin, out: os.Stderr}
			return withApp(cmd.Context(), confirmer, func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.Run(ctx, engine.RunRequest{
					Command:   strings.Join(args, " "),
					UserID:    userID(),
					ProjectID: a.ProjectID,
					Context:   ctxMap,
					Params:    anyParams,
					Timeout:   timeout,
					Confirmed: yes,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printIntent(out.Intent)
				if out.Execution == nil {
					fmt.Println("Nothing was run; the command needs clarification:")
					for _, q := range out.Intent.Clarifications {
						fmt.Printf("  - %s\n", q)
					}
					return nil
				}
				printExecution(*out.Execution)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm risky runs without prompting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "run deadline (defaults to orchestrator.default_timeout)")
	cmd.Flags().StringArrayVar(&paramPairs, "param", nil, "agent parameter (key=value)")
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil, "extra context for the language model (key=value)")
	return cmd
}

// promptConfirmer asks on the terminal. Without a terminal every request is declined.
type promptConfirmer struct {
	in  *os.File
	out io.Writer
}

func (p promptConfirmer) Confirm(ctx context.Context, req orchestrator.ConfirmationRequest) (bool, error) {
	if !isatty.IsTerminal(p.in.Fd()) && !isatty.IsCygwinTerminal(p.in.Fd()) {
		return false, nil
	}
	fmt.Fprintf(p.out, "\n'%s' on project %s needs confirmation.\n", req.Intent.String(), req.ProjectID)
	printAssessment(p.out, req.Assessment)
	fmt.Fprint(p.out, "Proceed? [y/N] ")

	// ReadString cannot be interrupted. When ctx ends first the reader stays blocked on
	// stdin until the process exits; sl asks at most once per invocation.
	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.in).ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-answer:
		return a == "y" || a == "yes", nil
	}
}

func printIntent(in domain.Intent) {
	fmt.Printf("Intent: %s (confidence %.2f, %s)\n", in.String(), in.Confidence, in.Method)
	for _, m := range in.Modifiers {
		fmt.Printf("  %s=%s\n", m.Key, m.Value)
	}
	if in.Explanation != "" {
		fmt.Printf("  %s\n", in.Explanation)
	}
}

func printAssessment(w io.Writer, ra domain.RiskAssessment) {
	fmt.Fprintf(w, "Risk: %s (confirmation required: %t)\n", ra.Level, ra.RequiresConfirmation)
	fmt.Fprintf(w, "  %s\n", ra.Explanation)
	fmt.Fprintf(w, "  Impact: %s\n", ra.ImpactDescription)
	for _, c := range ra.Concerns {
		fmt.Fprintf(w, "  ! %s\n", c)
	}
}

func printExecution(res domain.ExecutionResult) {
	fmt.Printf("Execution %s: %s in %dms\n", res.ExecutionID, res.OverallStatus, res.DurationMS)
	fmt.Printf("  %s\n", res.Summary)
	if len(res.Results) == 0 {
		return
	}
	tw := newTable(table.Row{"Phase", "Agent", "Status", "Reasoning", "Error"})
	for _, r := range res.Results {
		tw.AppendRow(table.Row{r.Phase, r.AgentType, r.Status, r.Reasoning, r.Error})
	}
	tw.Render()
	for _, r := range res.Results {
		if r.Phase != domain.AgentReflect {
			continue
		}
		if recs, ok := r.Data[orchestrator.DataRecommendations].([]string); ok {
			for _, rec := range recs {
				fmt.Printf("  * %s\n", rec)
			}
		}
	}
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid pair %q; want key=value", p)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// parseValue reads a metric value as a number or bool when it looks like one.
func parseValue(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

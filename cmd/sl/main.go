package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"shipline/internal/app"
	"shipline/internal/db"
	"shipline/internal/logging"
	"shipline/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shipline CLI",
	Long: `Shipline turns plain-language commands into risk-assessed delivery actions.
Core concepts:
- Workspace: the .shipline directory holding the database, next to an optional shipline.yml.
- Project: a tracked codebase with a lifecycle phase, quality metrics, risk and release readiness.
- Phases: PLANNING -> DEVELOPMENT -> TESTING -> STAGING -> PRODUCTION, one step at a time in either direction.
- Intents: what a command means ("release production", "analyze security"), inferred from templates or a language model.
- Risk: every intent is rated LOW to CRITICAL; HIGH and above, production targets and destructive intents need confirmation.
- Runs: an agent plans, acts, observes and reflects on each intent; every run is kept in the history.
- Event log: state changes, runs and confirmations, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "user identifier recorded on runs and events")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	for _, name := range []string{"workspace", "json", "user", "project", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(inferCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	})
}

func withApp(ctx context.Context, confirmer orchestrator.Confirmer, fn func(context.Context, *app.App) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logging.Sync(logger)
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Project:   viper.GetString("project"),
		Logger:    logger,
		Confirmer: confirmer,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func userID() string {
	return strings.TrimSpace(viper.GetString("user"))
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
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

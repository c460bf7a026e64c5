// Package cli implements recordsctl, the operator tool for inspecting,
// recovering and resolving record sagas.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jcmexdev/civic-records/internal/app"
	"github.com/jcmexdev/civic-records/internal/config"
	"github.com/jcmexdev/civic-records/internal/pkg/telemetry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"

	viper *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: viper.New()}

	cmd := &cobra.Command{
		Use:   "recordsctl",
		Short: "Operate the municipal records saga coordinator",
		Long: `Inspect sagas, recover the ones a crashed process left behind and
sign off poisoned sagas after manual reconciliation.

Configuration comes from RECORDS_* environment variables (or a .env file);
--db and --repo override the database and repository paths.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.String("db", "", "path to the SQLite database (RECORDS_DATABASE_PATH)")
	flags.String("repo", "", "path to the records git repository (RECORDS_REPO_PATH)")
	flags.String("redis", "", "redis address for locks and idempotency (RECORDS_REDIS_ADDR)")
	_ = opts.viper.BindPFlag("database_path", flags.Lookup("db"))
	_ = opts.viper.BindPFlag("repo_path", flags.Lookup("repo"))
	_ = opts.viper.BindPFlag("redis_addr", flags.Lookup("redis"))

	cmd.AddCommand(NewSagasCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))

	return cmd
}

// withApp builds the application from the configuration, runs fn and
// closes everything again.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadFromViper(opts.viper)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := telemetry.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backends", err)
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	return fn(ctx, a)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

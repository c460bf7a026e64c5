package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/civic-records/internal/app"
	"github.com/jcmexdev/civic-records/internal/coordinator"
)

type RecoverOptions struct {
	*RootOptions
	Mode       string
	StaleAfter time.Duration
}

// RecoverResult is one recovered saga.
type RecoverResult struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover [saga-id]",
		Short: "Finish sagas interrupted by a crash",
		Long: `Finish sagas that a dead process left in a non-terminal status.

With a saga id, that saga is recovered. Without one, every active saga not
updated within --stale-after is recovered.

--mode compensate (default) undoes every step that may have taken effect.
--mode resume continues forward from the first unfinished step; sagas that
had already started compensating are always compensated.

Examples:
  recordsctl recover 6f1c...
  recordsctl recover 6f1c... --mode resume
  recordsctl recover --stale-after 10m --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := coordinator.ParseMode(opts.Mode)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid mode", err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					return recoverOne(ctx, cmd, opts, a, args[0], mode)
				}
				return recoverStale(ctx, cmd, opts, a, mode)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(coordinator.ModeCompensate), "recovery mode (compensate|resume)")
	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", 0, "sweep sagas idle for this long (default RECORDS_RECOVERY_STALE_AFTER)")
	return cmd
}

func recoverOne(ctx context.Context, cmd *cobra.Command, opts *RecoverOptions, a *app.App, id string, mode coordinator.Mode) error {
	out := opts.formatter(cmd)
	res, err := a.Recoverer.Recover(ctx, id, mode)
	if err != nil {
		_ = out.Error(errorCode(err), err.Error(), coordinator.CorrelationIDOf(err))
		return WrapExitError(ExitFailure, "recovery failed", err)
	}

	r := RecoverResult{SagaID: res.SagaID, Status: string(res.Status)}
	return out.Success(r, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Saga %s is %s\n", r.SagaID, r.Status)
	})
}

func recoverStale(ctx context.Context, cmd *cobra.Command, opts *RecoverOptions, a *app.App, mode coordinator.Mode) error {
	staleAfter := opts.StaleAfter
	if staleAfter == 0 {
		staleAfter = a.Config.RecoveryStaleAfter
	}

	outcomes, err := a.Recoverer.Sweep(ctx, mode, staleAfter)
	if err != nil {
		return WrapExitError(ExitCommandError, "recovery sweep failed", err)
	}

	results := make([]RecoverResult, len(outcomes))
	failed := 0
	for i, o := range outcomes {
		results[i] = RecoverResult{SagaID: o.SagaID, Status: string(o.Status)}
		if o.Err != nil {
			results[i].Error = o.Err.Error()
			failed++
		}
	}

	if err := opts.formatter(cmd).Success(results, func(w *tabwriter.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "No stale sagas")
			return
		}
		fmt.Fprintln(w, "SAGA\tSTATUS\tERROR")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.SagaID, r.Status, r.Error)
		}
	}); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d sagas could not be recovered", failed, len(results)))
	}
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/civic-records/internal/app"
	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/records"
)

type CreateOptions struct {
	*RootOptions
	Input          coordinator.CreateInput
	status         string
	IdempotencyKey string
}

// CreateResult is printed after a successful create.
type CreateResult struct {
	RecordID      string `json:"record_id"`
	Version       int    `json:"version"`
	SagaID        string `json:"saga_id"`
	CorrelationID string `json:"correlation_id"`
	Replayed      bool   `json:"replayed,omitempty"`
}

func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record through the CreateRecord saga",
		Long: `Create a record through the CreateRecord saga.

Examples:
  recordsctl create --title "Noise Ordinance" --type bylaw --status approved \
    --body "Quiet hours are 22:00 to 07:00." --idempotency-key noise-2026`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Input.Status = records.Status(opts.status)
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				return runCreate(ctx, cmd, opts, a)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Input.ID, "id", "", "record id (generated when empty)")
	cmd.Flags().StringVar(&opts.Input.Title, "title", "", "record title (required)")
	cmd.Flags().StringVar(&opts.Input.Type, "type", "", "record type, e.g. bylaw (required)")
	cmd.Flags().StringVar(&opts.status, "status", string(records.StatusDraft), "initial status")
	cmd.Flags().StringVar(&opts.Input.Body, "body", "", "record body")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "replay the earlier result for the same key")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func runCreate(ctx context.Context, cmd *cobra.Command, opts *CreateOptions, a *app.App) error {
	out := opts.formatter(cmd)
	m, err := a.Service.Create(ctx, opts.Input, opts.IdempotencyKey)
	if err != nil {
		_ = out.Error(errorCode(err), err.Error(), coordinator.CorrelationIDOf(err))
		if errors.Is(err, records.ErrInvalidRecord) {
			return WrapExitError(ExitCommandError, "invalid record", err)
		}
		return WrapExitError(ExitFailure, "create failed", err)
	}

	r := CreateResult{
		RecordID:      m.Record.ID,
		Version:       m.Record.Version,
		SagaID:        m.SagaID,
		CorrelationID: m.CorrelationID,
		Replayed:      m.Replayed,
	}
	return out.Success(r, func(w *tabwriter.Writer) {
		verb := "Created"
		if r.Replayed {
			verb = "Already created"
		}
		fmt.Fprintf(w, "%s record %s (version %d)\n", verb, r.RecordID, r.Version)
		fmt.Fprintf(w, "Saga:\t%s\n", r.SagaID)
		fmt.Fprintf(w, "Correlation:\t%s\n", r.CorrelationID)
	})
}

// errorCode names the kind of saga failure for scripted callers.
func errorCode(err error) string {
	switch {
	case coordinator.IsQuarantined(err):
		return "resource_quarantined"
	case coordinator.IsCompensationFailure(err):
		return "manual_intervention_required"
	case coordinator.IsLockTimeout(err):
		return "resource_busy"
	case coordinator.IsIdempotencyConflict(err):
		return "request_in_flight"
	case errors.Is(err, records.ErrInvalidRecord):
		return "invalid_request"
	case errors.Is(err, sagalog.ErrSagaNotFound):
		return "saga_not_found"
	case errors.Is(err, coordinator.ErrNothingToRecover):
		return "nothing_to_recover"
	case coordinator.IsRetryable(err):
		return "step_failed_retryable"
	}
	return "step_failed"
}

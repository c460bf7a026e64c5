package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/civic-records/internal/app"
	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
)

// SagaSummary is one row of "sagas list".
type SagaSummary struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	ResourceID    string     `json:"resource_id"`
	CorrelationID string     `json:"correlation_id"`
	LastError     string     `json:"last_error,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type SagaDetail struct {
	SagaSummary
	ResolutionNote string            `json:"resolution_note,omitempty"`
	Context        map[string]string `json:"context"`
	Steps          []StepDetail      `json:"steps"`
}

type StepDetail struct {
	Index  int               `json:"index"`
	Name   string            `json:"name"`
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Result map[string]string `json:"result,omitempty"`
}

func NewSagasCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sagas",
		Short: "Inspect and resolve sagas",
	}
	cmd.AddCommand(newSagasListCommand(rootOpts))
	cmd.AddCommand(newSagasShowCommand(rootOpts))
	cmd.AddCommand(newSagasResolveCommand(rootOpts))
	return cmd
}

type sagasListOptions struct {
	*RootOptions
	Statuses   []string
	ResourceID string
	Poisoned   bool
	Limit      int
}

func newSagasListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &sagasListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas, most recent first",
		Long: `List sagas, most recent first.

Examples:
  recordsctl sagas list --status RUNNING --status COMPENSATING
  recordsctl sagas list --poisoned
  recordsctl sagas list --resource noise-ordinance --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				return runSagasList(ctx, cmd, opts, a)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "filter by saga status (repeatable)")
	cmd.Flags().StringVar(&opts.ResourceID, "resource", "", "filter by record id")
	cmd.Flags().BoolVar(&opts.Poisoned, "poisoned", false, "only unresolved COMPENSATION_FAILED sagas")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of sagas")
	return cmd
}

func runSagasList(ctx context.Context, cmd *cobra.Command, opts *sagasListOptions, a *app.App) error {
	filter := sagalog.Filter{ResourceID: opts.ResourceID, Limit: opts.Limit}
	for _, s := range opts.Statuses {
		filter.Statuses = append(filter.Statuses, sagalog.Status(strings.ToUpper(s)))
	}
	if opts.Poisoned {
		filter.Statuses = []sagalog.Status{sagalog.StatusCompensationFailed}
		filter.Unresolved = true
	}

	sagas, err := a.Service.ListSagas(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sagas", err)
	}

	rows := make([]SagaSummary, len(sagas))
	for i, s := range sagas {
		rows[i] = summarize(s)
	}
	return opts.formatter(cmd).Success(rows, func(w *tabwriter.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No sagas found")
			return
		}
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRESOURCE\tUPDATED")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Type, r.Status, r.ResourceID, r.UpdatedAt.Format(time.RFC3339))
		}
	})
}

func newSagasShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Show a saga with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				view, err := a.Service.GetSaga(ctx, args[0])
				if errors.Is(err, sagalog.ErrSagaNotFound) {
					return WrapExitError(ExitFailure, "saga not found", err)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load saga", err)
				}

				d := detail(view)
				return rootOpts.formatter(cmd).Success(d, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Saga:\t%s\n", d.ID)
					fmt.Fprintf(w, "Type:\t%s\n", d.Type)
					fmt.Fprintf(w, "Status:\t%s\n", d.Status)
					fmt.Fprintf(w, "Resource:\t%s\n", d.ResourceID)
					fmt.Fprintf(w, "Correlation:\t%s\n", d.CorrelationID)
					if d.LastError != "" {
						fmt.Fprintf(w, "Error:\t%s\n", d.LastError)
					}
					if d.ResolvedAt != nil {
						fmt.Fprintf(w, "Resolved:\t%s (%s)\n", d.ResolvedAt.Format(time.RFC3339), d.ResolutionNote)
					}
					fmt.Fprintln(w)
					fmt.Fprintln(w, "#\tSTEP\tSTATUS\tERROR")
					for _, s := range d.Steps {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Index, s.Name, s.Status, s.Error)
					}
				})
			})
		},
	}
}

func newSagasResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "resolve <saga-id>",
		Short: "Mark a poisoned saga as reconciled by hand",
		Long: `Mark a COMPENSATION_FAILED saga as reconciled by an operator.

This lifts the quarantine on its record so new sagas can run on it again.
It does not undo anything: fix the record, file and history first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				switch err := a.Recoverer.Resolve(ctx, args[0], note); {
				case errors.Is(err, sagalog.ErrSagaNotFound), errors.Is(err, sagalog.ErrNotPoisoned):
					return WrapExitError(ExitFailure, "cannot resolve saga", err)
				case err != nil:
					return WrapExitError(ExitCommandError, "failed to resolve saga", err)
				}
				return rootOpts.formatter(cmd).Success(map[string]string{"saga_id": args[0], "note": note}, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Saga %s resolved\n", args[0])
				})
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "what was done to reconcile the record (required)")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func summarize(s sagalog.SagaInstance) SagaSummary {
	return SagaSummary{
		ID:            s.ID,
		Type:          string(s.Type),
		Status:        string(s.Status),
		ResourceID:    s.ResourceID,
		CorrelationID: s.CorrelationID,
		LastError:     s.LastError,
		ResolvedAt:    s.ResolvedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func detail(v *coordinator.SagaView) SagaDetail {
	d := SagaDetail{
		SagaSummary:    summarize(v.Saga),
		ResolutionNote: v.Saga.ResolutionNote,
		Context:        v.Saga.Context,
		Steps:          make([]StepDetail, len(v.Steps)),
	}
	for i, s := range v.Steps {
		d.Steps[i] = StepDetail{
			Index:  s.StepIndex,
			Name:   s.StepName,
			Status: string(s.Status),
			Error:  s.Error,
			Result: s.Result,
		}
	}
	return d
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Start string
	End   string
}

func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print stored events in a range as JSON",
		Long: `Print the same JSON array GET /events.json would return.

Example:
  calmerge events --start 2024-01-01 --end 2024-01-31T23:59`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			body, err := a.query.Query(cmd.Context(), opts.Start, opts.End)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Start, "start", "", "inclusive lower bound on event start (required)")
	cmd.Flags().StringVar(&opts.End, "end", "", "inclusive upper bound on event end (required)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

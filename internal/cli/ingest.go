package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"calmerge/internal/ingest"
)

func NewIngestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass for every source and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			reports := a.scheduler.RunOnce(cmd.Context())
			return printReports(cmd.OutOrStdout(), reports)
		},
	}
}

// printReports writes one line per source and returns an error if any
// source pass was aborted.
func printReports(w io.Writer, reports []ingest.PassReport) error {
	failed := 0
	for _, r := range reports {
		switch {
		case r.Skipped:
			fmt.Fprintf(w, "%s\tskipped\n", r.Source)
		case r.Err != nil:
			failed++
			fmt.Fprintf(w, "%s\terror\t%v\n", r.Source, r.Err)
		default:
			fmt.Fprintf(w, "%s\tok\tinserted=%d updated=%d unchanged=%d failed=%d\n",
				r.Source, r.Result.Inserted, r.Result.Updated, r.Result.Unchanged, r.Result.Failed)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d source(s) failed", failed, len(reports))
	}
	return nil
}

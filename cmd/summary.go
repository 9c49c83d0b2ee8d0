package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
	"github.com/JakeFAU/codepaper-harvester/internal/store"
	"github.com/JakeFAU/codepaper-harvester/internal/summary"
)

// newSummaryCmd creates the 'summary' subcommand.
func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Rebuilds summary.csv from the metadata on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			blobs, err := local.New(local.Config{BaseDir: rt.Config.Output.Dir})
			if err != nil {
				return fmt.Errorf("open output dir: %w", err)
			}
			rows, err := summary.Write(cmd.Context(), store.New(blobs, rt.Logger), blobs)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", rows, filepath.Join(blobs.BaseDir(), summary.FileName))
			return nil
		},
	}
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fmriglm/pkg/nifti"
	"fmriglm/pkg/report"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	ZMapPath  string
	Threshold float64
	Cluster   int
	XLSX      bool
	OutDir    string
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Tabulate clusters from an existing z map",
		Long: `Extract the activation-cluster table from a saved z map and write it
as CSV (and optionally XLSX) without re-running the model.

Example:
  fmriglm report --zmap results/active_vs_rest_z_map.nii.gz --threshold 3 --cluster 20 --out results`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeReport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ZMapPath, "zmap", "", "z map image file (required)")
	cmd.Flags().Float64Var(&opts.Threshold, "threshold", 3.0, "statistic height threshold")
	cmd.Flags().IntVar(&opts.Cluster, "cluster", 0, "minimum cluster size in voxels")
	cmd.Flags().BoolVar(&opts.XLSX, "xlsx", false, "also write table.xlsx")
	cmd.Flags().StringVar(&opts.OutDir, "out", ".", "output directory")
	_ = cmd.MarkFlagRequired("zmap")

	return cmd
}

func writeReport(opts *ReportOptions, cmd *cobra.Command) error {
	img, err := nifti.ReadFile(opts.ZMapPath)
	if err != nil {
		return err
	}

	clusters, err := report.ClustersTable(img, report.Params{
		StatThreshold:    opts.Threshold,
		ClusterThreshold: opts.Cluster,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	csvPath := filepath.Join(opts.OutDir, "table.csv")
	if err := report.WriteCSV(csvPath, clusters); err != nil {
		return err
	}
	if opts.XLSX {
		if err := report.WriteXLSX(filepath.Join(opts.OutDir, "table.xlsx"), clusters); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d clusters above z=%g written to %s\n",
		len(clusters), opts.Threshold, csvPath)
	for _, c := range clusters {
		fmt.Fprintf(out, "  cluster %d: peak z=%.2f at (%.0f, %.0f, %.0f) mm, %d voxels\n",
			c.ID, c.Peak.Stat, c.Peak.X, c.Peak.Y, c.Peak.Z, c.SizeVox)
	}
	return nil
}

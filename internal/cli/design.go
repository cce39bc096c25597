package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fmriglm/pkg/design"
	"fmriglm/pkg/events"
	"fmriglm/pkg/render"
)

// DesignOptions holds flags for the design command.
type DesignOptions struct {
	*RootOptions
	EventsPath string
	Scans      int
	TR         float64
	Cutoff     float64
	HRF        string
	OutDir     string
}

// NewDesignCommand creates the design command.
func NewDesignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DesignOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "design",
		Short: "Build and export a design matrix",
		Long: `Build the design matrix for an event table without fitting anything,
and export it as CSV, NPY and PNG together with the expected-response plot
of the first condition.

Example:
  fmriglm design --events auditory_block_paradigm.csv --scans 96 --tr 7 --out design`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportDesign(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EventsPath, "events", "", "event table file (required)")
	cmd.Flags().IntVar(&opts.Scans, "scans", 0, "number of scans (required)")
	cmd.Flags().Float64Var(&opts.TR, "tr", 0, "repetition time in seconds (required)")
	cmd.Flags().Float64Var(&opts.Cutoff, "cutoff", 160, "cosine drift cutoff period in seconds")
	cmd.Flags().StringVar(&opts.HRF, "hrf", "spm", "HRF model (spm, glover, with ' + derivative' variants)")
	cmd.Flags().StringVar(&opts.OutDir, "out", ".", "output directory")
	_ = cmd.MarkFlagRequired("events")
	_ = cmd.MarkFlagRequired("scans")
	_ = cmd.MarkFlagRequired("tr")

	return cmd
}

func exportDesign(opts *DesignOptions, cmd *cobra.Command) error {
	table, err := events.ReadFile(opts.EventsPath)
	if err != nil {
		return err
	}

	dm, err := design.Build(table, design.Params{
		TR:             opts.TR,
		NScans:         opts.Scans,
		HRF:            design.HRFModel(opts.HRF),
		Drift:          design.DriftCosine,
		HighPassCutoff: opts.Cutoff,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := dm.WriteCSV(filepath.Join(opts.OutDir, "design_matrix.csv")); err != nil {
		return err
	}
	if err := dm.WriteNPY(filepath.Join(opts.OutDir, "design_matrix.npy")); err != nil {
		return err
	}
	if err := render.DesignMatrix(filepath.Join(opts.OutDir, "design_matrix.png"), dm); err != nil {
		return err
	}
	first := dm.Names[0]
	if err := render.Regressor(filepath.Join(opts.OutDir, "expected_response.png"),
		dm, first, "Expected response: "+first); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "design matrix %dx%d written to %s\n",
		dm.NRows(), dm.NCols(), opts.OutDir)
	fmt.Fprintln(cmd.OutOrStdout(), "columns:", dm.Names)
	return nil
}

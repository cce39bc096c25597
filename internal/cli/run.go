package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"fmriglm/pkg/config"
	"fmriglm/pkg/firstlevel"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	DataDir    string
	OutDir     string
	Workers    int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full analysis pipeline",
		Long: `Run the complete first-level analysis: fetch the SPM auditory dataset,
fit the GLM, compute the active-vs-rest t contrast and the effects-of-interest
F contrast, threshold the z map under the configured policies and write every
map, table and figure to the output directory.

Example:
  fmriglm run --out results
  fmriglm run --config analysis.yaml --data ~/datasets --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "fmriglm.yaml", "path to the YAML configuration")
	cmd.Flags().StringVar(&opts.DataDir, "data", "", "dataset cache directory")
	cmd.Flags().StringVar(&opts.OutDir, "out", "", "output directory")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "parallel fitting workers (0 = all cores)")

	return cmd
}

func runPipeline(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.DataDir != "" {
		cfg.Fetch.DataDir = opts.DataDir
	}
	if opts.OutDir != "" {
		cfg.Output.Dir = opts.OutDir
	}
	if opts.Workers > 0 {
		cfg.Compute.Workers = opts.Workers
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	p := &firstlevel.Pipeline{Config: cfg, Logger: slog.Default()}
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Thresholds applied to the", cfg.Contrasts.TContrastName, "z map:")
	for _, ts := range res.Thresholds {
		fmt.Fprintf(out, "  %-24s z > %6.3f  (%d voxels)\n", ts.Name, ts.Cutoff, ts.Survivors)
	}
	fmt.Fprintf(out, "Clusters above z=%g (size >= %d voxels): %d\n",
		cfg.Thresholding.TableStatThreshold, cfg.Thresholding.TableClusterThreshold,
		len(res.Clusters))
	fmt.Fprintln(out, "Results written to", res.OutDir)
	return nil
}

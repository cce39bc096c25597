package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fmriglm/pkg/dataset"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	DataDir string
	BaseURL string
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the SPM auditory dataset",
		Long: `Download and unpack the SPM auditory dataset into the cache directory
without running any analysis, then list the functional scans.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			data, err := dataset.FetchSPMAuditory(ctx, dataset.Options{
				DataDir: opts.DataDir,
				BaseURL: opts.BaseURL,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, path := range data.Func {
				fmt.Fprintln(out, path)
			}
			fmt.Fprintln(out, "anat:", data.Anat)
			fmt.Fprintln(out, "events:", data.Events)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data", "", "dataset cache directory")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "override the archive base URL")

	return cmd
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tumorscan/tumor-analyzer/config"
	"github.com/tumorscan/tumor-analyzer/detections"
)

// newDetectCmd runs the model on local files. Outputs are kept under the
// output root.
func newDetectCmd(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "detect <image>...",
		Short: "Annotate local images and keep the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoker := detections.NewInvoker(detectorConfig(cfg))
			defer detections.DestroyRuntime()
			defer invoker.Close()

			out := cmd.OutOrStdout()
			for _, path := range args {
				result, err := invoker.Detect(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}

				if asJSON {
					if err := json.NewEncoder(out).Encode(result); err != nil {
						return err
					}
					continue
				}

				fmt.Fprintf(out, "%s: %d detection(s) on %s, saved to %s\n",
					path, len(result.Detections), result.Device, result.OutputPath())
				for _, d := range result.Detections {
					fmt.Fprintf(out, "  %s %.2f [%d %d %d %d]\n",
						d.Label, d.Confidence, d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON result per image")
	return cmd
}

func newDeviceCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Show which execution device the model would run on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configured: %s\n", cfg.Device)
			fmt.Fprintf(out, "cpu features: %v\n", detections.CPUFeatures())

			if err := detections.InitializeRuntime(cfg.OrtLibrary); err != nil {
				return err
			}
			defer detections.DestroyRuntime()

			device, err := detections.ProbeDevice(cfg.Device)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "resolved: %s\n", device)
			return nil
		},
	}
}

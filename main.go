package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tumorscan/tumor-analyzer/config"
	"github.com/tumorscan/tumor-analyzer/detections"
	"github.com/tumorscan/tumor-analyzer/logging"
)

var log = logging.Logger("tumor-server")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cliFlags struct {
	addr       string
	weights    string
	device     string
	ortLibrary string
	outputRoot string
	debug      bool
}

// apply copies the flags the user set over the environment config.
func (f *cliFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = f.addr
	}
	if flags.Changed("weights") {
		cfg.WeightsPath = f.weights
	}
	if flags.Changed("device") {
		cfg.Device = f.device
	}
	if flags.Changed("ort-lib") {
		cfg.OrtLibrary = f.ortLibrary
	}
	if flags.Changed("output-root") {
		cfg.OutputRoot = f.outputRoot
	}
	if flags.Changed("debug") {
		cfg.Debug = f.debug
	}
}

func newRootCmd() *cobra.Command {
	var flags cliFlags
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:          "tumor-analyzer",
		Short:        "Tumor localization over HTTP",
		Long:         `Runs the tumor detection model on uploaded images and returns them annotated.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			flags.apply(cmd, loaded)
			if err := loaded.Validate(); err != nil {
				return err
			}

			levels := loaded.LogLevel
			if loaded.Debug {
				levels = "debug;" + levels
			}
			logging.ApplyLevels(levels)

			*cfg = *loaded
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.addr, "addr", "", "listen address (TUMOR_ADDR)")
	pf.StringVar(&flags.weights, "weights", "", "path to the ONNX weights file (TUMOR_WEIGHTS_PATH)")
	pf.StringVar(&flags.device, "device", "", "execution device: auto, cpu or cuda (TUMOR_DEVICE)")
	pf.StringVar(&flags.ortLibrary, "ort-lib", "", "path to the onnxruntime shared library (TUMOR_ORT_LIBRARY)")
	pf.StringVar(&flags.outputRoot, "output-root", "", "directory for annotated outputs (TUMOR_OUTPUT_ROOT)")
	pf.BoolVar(&flags.debug, "debug", false, "log debug output and per-request timings (TUMOR_DEBUG)")

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newDetectCmd(cfg))
	root.AddCommand(newDeviceCmd(cfg))
	return root
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), cfg)
		},
	}
}

func detectorConfig(cfg *config.Config) detections.Config {
	return detections.Config{
		WeightsPath:    cfg.WeightsPath,
		OrtLibrary:     cfg.OrtLibrary,
		Device:         cfg.Device,
		Labels:         cfg.Labels,
		InputSize:      cfg.InputSize,
		ConfThreshold:  cfg.ConfThreshold,
		IouThreshold:   cfg.IouThreshold,
		MaxDetections:  cfg.MaxDetections,
		PoolSize:       cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		OutputRoot:     cfg.OutputRoot,
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	invoker := detections.NewInvoker(detectorConfig(cfg))
	defer detections.DestroyRuntime()
	defer func() {
		if err := invoker.Close(); err != nil {
			log.Warnf("failed to release model sessions: %v", err)
		}
	}()

	if !invoker.WeightsPresent() {
		log.Warnf("weights file %s not found, requests will fail until it exists", cfg.WeightsPath)
	}

	state, err := NewAppState(cfg, invoker)
	if err != nil {
		return err
	}
	defer state.Close()

	srv := &http.Server{
		Handler:      newRouter(state),
		Addr:         cfg.Addr,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s (device %s, weights %s)", srv.Addr, cfg.Device, cfg.WeightsPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

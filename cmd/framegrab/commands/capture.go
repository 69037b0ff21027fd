package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/output"
	"github.com/bryanchriswhite/framegrab/internal/supervisor"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture frames to a PNG snapshot",
	Long: `Capture frames from the configured backend and write them to a PNG file.

The capture session is supervised: timeouts and device errors restart it
with backoff, and it stops after --frames frames or on Ctrl+C.`,
	Example: `  # Grab 100 frames from /dev/video0, keeping the last one
  framegrab capture --frames 100 --output frame.png

  # Capture with user pointer buffers from a second device
  framegrab capture --device /dev/video1 --io-method userptr

  # Capture the X11 screen, writing every 10th frame
  framegrab capture --backend x11 --every 10`,
	RunE: runCapture,
}

var (
	captureFrames  int
	captureOutput  string
	captureEvery   int
	captureBackend string
	captureDevice  string
	captureMethod  string
)

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().IntVarP(&captureFrames, "frames", "n", 70, "frames to capture (0 for no limit)")
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "frame.png", "snapshot file")
	captureCmd.Flags().IntVar(&captureEvery, "every", 1, "write every Nth frame")
	captureCmd.Flags().StringVarP(&captureBackend, "backend", "b", "", "backend (auto, v4l2 or x11)")
	captureCmd.Flags().StringVarP(&captureDevice, "device", "d", "", "V4L2 device path")
	captureCmd.Flags().StringVarP(&captureMethod, "io-method", "m", "", "V4L2 i/o method (read, mmap or userptr)")
}

func runCapture(cmd *cobra.Command, args []string) error {
	configMgr, _, err := loadConfig()
	if err != nil {
		return err
	}
	overrides := map[string]string{
		"backend":   captureBackend,
		"device":    captureDevice,
		"io_method": captureMethod,
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := configMgr.Set(key, value); err != nil {
			return err
		}
	}
	cfg, err := configMgr.Get()
	if err != nil {
		return err
	}

	snap := output.NewSnapshotOutput(captureOutput, captureEvery)
	if err := snap.Start(); err != nil {
		return err
	}
	defer snap.Stop()

	_, backend, err := newRouter(cfg, snap)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(backend, cfg.Policy())
	log := logger.WithComponent("capture")
	log.Info().
		Str("backend", backend.Name()).
		Int("frames", captureFrames).
		Str("output", captureOutput).
		Msg("Starting capture")

	runErr := sup.Run(ctx, captureFrames)

	summary := map[string]any{
		"backend":  backend.Name(),
		"sessions": sup.Sessions(),
		"stats":    backend.Stats(),
		"output":   snap.Stats(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("capture failed: %w", runErr)
	}
	return nil
}

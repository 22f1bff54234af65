package main

import (
	"fmt"

	"github.com/formsuite/proctoring/internal/config"
	"github.com/spf13/cobra"
)

// loadConfig reads --config when given and applies flag overrides that were
// explicitly set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("form-id") {
		cfg.FormID, _ = flags.GetString("form-id")
	}
	if flags.Changed("camera-url") {
		cfg.Camera.URL, _ = flags.GetString("camera-url")
	}
	if flags.Changed("backend") {
		cfg.Classifier.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("model-url") {
		cfg.Classifier.BaseURL, _ = flags.GetString("model-url")
	}
	if flags.Changed("endpoint") {
		cfg.Reporter.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("overlay-addr") {
		cfg.Overlay.Addr, _ = flags.GetString("overlay-addr")
	}
	if flags.Changed("interval-ms") {
		cfg.Session.IntervalMs, _ = flags.GetInt64("interval-ms")
	}
	if flags.Changed("record") {
		cfg.Recorder.Enabled, _ = flags.GetBool("record")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-color") {
		cfg.Log.Color, _ = flags.GetBool("log-color")
	}
	return cfg, nil
}

// addOverrideFlags registers the flags loadConfig understands.
func addOverrideFlags(cmd *cobra.Command) {
	def := config.Default()
	cmd.Flags().String("form-id", "", "Form (assessment) identifier")
	cmd.Flags().String("camera-url", def.Camera.URL, "MJPEG webcam bridge URL")
	cmd.Flags().String("backend", def.Classifier.Backend, "Classifier backend (dual, single)")
	cmd.Flags().String("model-url", def.Classifier.BaseURL, "Inference service base URL")
	cmd.Flags().String("endpoint", def.Reporter.Endpoint, "Violation ingestion endpoint (empty disables reporting)")
	cmd.Flags().String("overlay-addr", def.Overlay.Addr, "Overlay page listen address")
	cmd.Flags().Int64("interval-ms", def.Session.IntervalMs, "Detection interval in milliseconds (2000-2500)")
	cmd.Flags().Bool("record", def.Recorder.Enabled, "Write accepted violations to a local JSON-lines file")
	cmd.Flags().String("log-level", def.Log.Level, "Log level (debug, info, warn, error, silent)")
	cmd.Flags().Bool("log-color", def.Log.Color, "Enable colored log output")
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration run would use, after applying the config file
and flags. Validation problems are reported on stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := config.Write(cmd.OutOrStdout(), cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid configuration:\n%v\n", err)
			}
			return nil
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

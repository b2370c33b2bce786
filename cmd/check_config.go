package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/settings"
	"github.com/spf13/cobra"
)

// CreateCheckConfigCmd creates the check-config command.
func CreateCheckConfigCmd() *cobra.Command {
	var configFile string
	var skipDevices bool

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the appliance config file",
		Long: `Reads the KEY=value appliance config without modifying it and reports every field ` +
			`that fails validation. Exits non-zero when the file is missing, corrupt or invalid.`,
		Args: cobra.NoArgs,
		// Overrides the root hook that wires the server.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(c *cobra.Command, _ []string) {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			var lookup settings.DeviceLookup = devices.NewRegistry()
			if skipDevices {
				lookup = nil
			}
			if err := checkConfig(c.OutOrStdout(), configFile, lookup); err != nil {
				fmt.Fprintln(c.ErrOrStderr(), err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&configFile, "file", "f", "/etc/pimonitor.conf", "Path to the appliance config file")
	cmd.Flags().BoolVar(&skipDevices, "skip-devices", false, "Do not check that DEVICE resolves to a present device")

	return cmd
}

// checkConfig loads path and validates it, writing one line per failing
// field to w. A nil lookup skips device resolution.
func checkConfig(w io.Writer, path string, lookup settings.DeviceLookup) error {
	cfg, err := settings.NewStore(path, settings.Config{}).Load()
	if err == nil {
		err = settings.Validate(cfg, lookup)
	}
	if err != nil {
		var verrs *settings.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, f := range verrs.Fields {
			fmt.Fprintf(w, "%s: %s\n", f.Field, f.Message)
		}
		return fmt.Errorf("%s: %d invalid field(s)", path, len(verrs.Fields))
	}

	fmt.Fprintf(w, "%s: ok (%s %s@%dfps on %s)\n", path, cfg.StreamMode, cfg.Resolution, cfg.FPS, cfg.Device)
	return nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/spf13/cobra"
)

// DeviceLister enumerates capture devices.
type DeviceLister interface {
	List() ([]devices.Device, error)
}

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Long:  `Lists capture devices in index order. The INDEX column is the value accepted by DEVICE.`,
		Args:  cobra.NoArgs,
		// Overrides the root hook that wires the server.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(c *cobra.Command, _ []string) {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			if err := listDevices(c.OutOrStdout(), devices.NewRegistry(), asJSON); err != nil {
				fmt.Fprintln(c.ErrOrStderr(), "Failed to list devices:", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

func listDevices(w io.Writer, lister DeviceLister, asJSON bool) error {
	list, err := lister.List()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no capture devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tPATH\tNAME\tDRIVER\tID")
	for i, d := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i, d.Path, dash(d.Name), dash(d.Driver), d.ID)
	}
	return tw.Flush()
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/v4l2"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List V4L2 capture devices",
	Long: `List Video4Linux2 capture devices with their pixel formats and frame sizes.

With --framerates, the frame rates offered at each format's largest size are
listed as well.`,
	Example: `  # List devices in table format (default)
  framegrab devices

  # List devices in JSON format
  framegrab devices --format json

  # Describe a single device
  framegrab devices --device /dev/video2 --framerates`,
	RunE: runDevices,
}

var (
	devicesFormat     string
	devicesPath       string
	devicesFramerates bool
)

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
	devicesCmd.Flags().StringVarP(&devicesPath, "device", "d", "", "describe only this device")
	devicesCmd.Flags().BoolVar(&devicesFramerates, "framerates", false, "include frame rates")
}

type deviceListing struct {
	v4l2.DeviceInfo
	Framerates map[string][]int `json:"framerates,omitempty"`
}

func runDevices(cmd *cobra.Command, args []string) error {
	if _, _, err := loadConfig(); err != nil {
		return err
	}

	var devices []v4l2.DeviceInfo
	if devicesPath != "" {
		info, err := v4l2.Describe(devicesPath)
		if err != nil {
			return err
		}
		devices = []v4l2.DeviceInfo{info}
	} else {
		found, err := v4l2.FindDevices()
		if err != nil {
			return fmt.Errorf("failed to enumerate devices: %w", err)
		}
		devices = found
	}

	listings := make([]deviceListing, 0, len(devices))
	for _, d := range devices {
		l := deviceListing{DeviceInfo: d}
		if devicesFramerates {
			l.Framerates = make(map[string][]int)
			for _, f := range d.Formats {
				if len(f.Resolutions) == 0 {
					continue
				}
				r := f.Resolutions[0]
				rates, err := v4l2.Framerates(d.Path, f.FourCC, r.Width, r.Height)
				if err != nil {
					continue
				}
				l.Framerates[f.FourCC+"@"+r.String()] = rates
			}
		}
		listings = append(listings, l)
	}

	switch devicesFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(listings)
	case "table":
		return printDeviceTable(listings)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", devicesFormat)
	}
}

func printDeviceTable(listings []deviceListing) error {
	if len(listings) == 0 {
		fmt.Println("No capture devices found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCARD\tDRIVER\tFORMATS")
	for _, l := range listings {
		formats := make([]string, 0, len(l.Formats))
		for _, f := range l.Formats {
			entry := f.FourCC
			if len(f.Resolutions) > 0 {
				entry += " " + f.Resolutions[0].String()
			}
			if rates, ok := l.Framerates[f.FourCC+"@"+firstResolution(f)]; ok && len(rates) > 0 {
				entry += fmt.Sprintf("@%d", rates[0])
			}
			formats = append(formats, entry)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Path, l.Card, l.Driver, strings.Join(formats, ", "))
	}
	return w.Flush()
}

func firstResolution(f v4l2.FormatInfo) string {
	if len(f.Resolutions) == 0 {
		return ""
	}
	return f.Resolutions[0].String()
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4Players/odin-go/pkg/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the available audio devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, info := range audio.NewNullManager(false).Devices() {
			marker := " "
			if info.Default {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %-12s %-8s %s\n", marker, info.ID, kindName(info.Kind), info.Name)
		}
		return nil
	},
}

func kindName(kind audio.DeviceKind) string {
	switch kind {
	case audio.DeviceCapture:
		return "capture"
	case audio.DevicePlayback:
		return "playback"
	default:
		return "unknown"
	}
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

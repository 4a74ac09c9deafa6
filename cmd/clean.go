package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangeget/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [PATH]",
		Short: "Remove leftover .temp and .meta files for a download",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := args[0]
			removed := 0
			for _, suffix := range []string{".temp", ".meta", ".meta.temp"} {
				if err := os.Remove(path + suffix); err == nil {
					removed++
				} else if !os.IsNotExist(err) {
					utils.PrintError(fmt.Sprintf("Error removing %s: %v", path+suffix, err))
					os.Exit(1)
				}
			}
			utils.PrintSuccess(fmt.Sprintf("Removed %d leftover files", removed))
		},
	}
}

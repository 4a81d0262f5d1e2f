package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/spf13/cobra"
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "sentinel",
	Short:         "sentinel - static safety verifier for BPF programs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "X1-Sentinel %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(cfgCmd)
	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(helpersCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// useColor reports whether terminal output is colored.
func useColor() bool { return !color.NoColor }

func loadUnit(path string) (*loader.Unit, error) {
	u, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return u, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/fortiblox/X1-Sentinel/pkg/cfg"
	"github.com/fortiblox/X1-Sentinel/pkg/helpers"
	"github.com/fortiblox/X1-Sentinel/pkg/isa"
	"github.com/spf13/cobra"
)

var dotOutput string

var cfgCmd = &cobra.Command{
	Use:   "cfg <manifest>",
	Short: "Print the control flow graph in DOT format",
	Long: `Builds the control flow graph of a program and prints it as GraphViz DOT.
Example) sentinel cfg prog.yaml -o prog.dot`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := loadUnit(args[0])
		if err != nil {
			return err
		}
		g, err := cfg.Build(u.Program.Instructions)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		dot := g.Dot(u.Program.Instructions)
		if dotOutput == "" {
			fmt.Fprint(cmd.OutOrStdout(), dot)
			return nil
		}
		if err := os.WriteFile(dotOutput, []byte(dot), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "GraphViz file written to %s\n", dotOutput)
		return nil
	},
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <manifest>",
	Short: "Print the disassembly of a program",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := loadUnit(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), isa.Disassemble(u.Program.Instructions))
		return nil
	},
}

var helpersCmd = &cobra.Command{
	Use:       "helpers [testing|kernel]",
	Short:     "List a helper catalog",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"testing", "kernel"},
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		table, err := helpers.ByName(name)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		bold := color.New(color.Bold)
		bold.Fprintf(w, "%s helpers\n", table.Name())
		for _, id := range table.IDs() {
			e, _ := table.Lookup(id)
			fmt.Fprintf(w, "%4d  ", id)
			color.New(color.FgCyan).Fprintf(w, "%-24s", e.Name)
			fmt.Fprintf(w, " %s\n", e.Signature())
		}
		return nil
	},
}

func init() {
	cfgCmd.Flags().StringVarP(&dotOutput, "output", "o", "", "Output path for the GraphViz file")
}

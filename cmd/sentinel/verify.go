package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/fortiblox/X1-Sentinel/pkg/cache"
	"github.com/fortiblox/X1-Sentinel/pkg/config"
	"github.com/fortiblox/X1-Sentinel/pkg/loader"
	"github.com/fortiblox/X1-Sentinel/pkg/node"
	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
	"github.com/spf13/cobra"
)

// variables for flags
var (
	parallel     int
	cachePath    string
	cacheBackend string
	traceLimit   int
	visitBudget  int
	allowDead    bool
	jsonOutput   bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <manifest>...",
	Short: "Verify programs",
	Long: `Verifies the programs described by the given manifests in parallel.
Exits with status 1 if any program is rejected or cannot be loaded.
Example) sentinel verify --parallel 4 progs/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runVerify(ctx, cmd.OutOrStdout(), args)
	},
}

func init() {
	verifyCmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "Maximum programs verified at once (0 = unlimited)")
	verifyCmd.Flags().StringVar(&cachePath, "cache", "", "Verdict cache location (disabled when empty)")
	verifyCmd.Flags().StringVar(&cacheBackend, "cache-backend", cache.BackendBolt, "Verdict cache backend: bolt or badger")
	verifyCmd.Flags().IntVar(&traceLimit, "trace", 0, "Record and print the first N processed instructions")
	verifyCmd.Flags().IntVar(&visitBudget, "visit-budget", 0, "Maximum visits of one block (0 = default)")
	verifyCmd.Flags().BoolVar(&allowDead, "allow-unreachable", false, "Accept programs with unreachable code")
	verifyCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print reports as JSON")
}

func verifyConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RPC.Enabled = false
	cfg.Verifier.Parallelism = parallel
	cfg.Verifier.TraceLimit = traceLimit
	cfg.Verifier.VisitBudget = visitBudget
	cfg.Verifier.RejectUnreachable = !allowDead
	cfg.Cache = cache.Config{Backend: cache.BackendNone}
	if cachePath != "" {
		cfg.Cache = cache.Config{Backend: cacheBackend, Path: cachePath}
	}
	return &cfg
}

func runVerify(ctx context.Context, w io.Writer, paths []string) error {
	n, err := node.New(verifyConfig())
	if err != nil {
		return err
	}
	defer n.Close()

	failed := 0
	var units []*loader.Unit
	for _, path := range paths {
		u, err := loadUnit(path)
		if err != nil {
			color.New(color.FgRed, color.Bold).Fprint(w, "ERROR ")
			fmt.Fprintln(w, err)
			failed++
			continue
		}
		units = append(units, u)
	}

	results, err := n.VerifyAll(ctx, units)
	if err != nil {
		return err
	}

	var reports []*verdict.Report
	accepted := 0
	for i, r := range results {
		if r.Err != nil {
			color.New(color.FgRed, color.Bold).Fprint(w, "MALFORMED ")
			fmt.Fprintf(w, "%s: %v\n", units[i].Program.Name, r.Err)
			failed++
			continue
		}
		rep := r.Outcome.Record.Report
		if rep.Verdict.IsAccept() {
			accepted++
		} else {
			failed++
		}
		if jsonOutput {
			reports = append(reports, rep)
			continue
		}
		if err := rep.Render(w, useColor()); err != nil {
			return err
		}
		if r.Outcome.Cached {
			color.New(color.Faint).Fprintf(w, "  (cached %s)\n", r.Outcome.ID)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else {
		printSummary(w, len(paths), accepted, failed)
	}

	if failed > 0 {
		return errRejected
	}
	return nil
}

func printSummary(w io.Writer, total, accepted, failed int) {
	fmt.Fprintf(w, "\n%d programs: ", total)
	color.New(color.FgGreen).Fprintf(w, "%d accepted", accepted)
	fmt.Fprint(w, ", ")
	if failed > 0 {
		color.New(color.FgRed, color.Bold).Fprintf(w, "%d failed", failed)
	} else {
		fmt.Fprintf(w, "%d failed", failed)
	}
	fmt.Fprintln(w)
}

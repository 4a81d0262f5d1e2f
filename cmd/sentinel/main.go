// X1-Sentinel: static safety verifier for BPF programs.
//
// The sentinel command verifies programs described by YAML manifests,
// inspects their control flow and serves verdicts over JSON-RPC and gRPC.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
)

// Version information
var (
	Version   = "1.0.0"
	GitCommit = "dev"
)

// errRejected makes verify exit with status 1 without printing an error.
var errRejected = errors.New("program rejected")

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errRejected) {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

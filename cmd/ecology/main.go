// Command ecology runs the agent ecology kernel: the action endpoint, the
// mint auction and periodic checkpoints.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/checkpoint"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(args[2:], stdout, stderr)
	case "restore":
		return runRestoreCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "ecology %s (checkpoint format %s)\n", version, checkpoint.FormatVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "ecology %s\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  ecology <command> [flags]")
	fmt.Fprintln(w, "")
	printCommand(w, "serve", "Run the action endpoint and mint auction (default)")
	printCommand(w, "checkpoint", "Show, verify or export the latest checkpoint")
	printCommand(w, "restore", "Verify a checkpoint file and make it the latest")
	printCommand(w, "token", "Issue a bearer token for a principal")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment; set ECOLOGY_CONFIG to overlay a YAML file.")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}

// Command uprd runs the UPR authority kernel: the execution control
// plane that seals context envelopes, gates reasoning calls, replays
// sealed context with drift detection and governs benchmark suites.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "sweep":
		return runSweep(stdout, stderr)
	case "purge":
		return runPurge(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "uprd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "uprd: unknown command %q\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: uprd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the kernel HTTP server (default)")
	fmt.Fprintln(w, "  sweep     Run one pass of every background sweeper and exit")
	fmt.Fprintln(w, "  purge     Run a retention pass (dry-run unless --apply)")
	fmt.Fprintln(w, "  version   Print the kernel version")
}

func runPurge(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apply := fs.Bool("apply", false, "delete eligible rows instead of counting them")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return runPurgePass(*apply, stdout, stderr)
}

// setupLogging installs the process-wide slog handler at the configured
// level. Every component logger derives from this default.
func setupLogging(level string) {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

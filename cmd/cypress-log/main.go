// Command cypress-log views and analyzes cypress protocol capture files.
//
// Capture files are written by cypress when it runs with -protocol-log (or
// with logging.protocol_log set in configuration.toml).
//
// Usage:
//
//	cypress-log <command> [flags] <file.cbor>
//
// Commands:
//
//	view     View capture file in human-readable format
//	export   Export capture file to JSON lines or CSV
//	filter   Filter capture file and write to new file
//	stats    Show statistics about the capture file
//
// Examples:
//
//	# View all events
//	cypress-log view protocol.cbor
//
//	# View only raw frames received from the instrument
//	cypress-log view -category frame -direction in protocol.cbor
//
//	# Export FRAX sessions to CSV
//	cypress-log export -format csv -instrument frax protocol.cbor
//
//	# Keep one session in a new file
//	cypress-log filter -session-id 3f2a9c1e -o session.cbor protocol.cbor
//
//	# Show statistics
//	cypress-log stats protocol.cbor
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/CodyCooperGit/cypress/cmd/cypress-log/commands"
	"github.com/CodyCooperGit/cypress/pkg/log"
)

const usage = `cypress-log - Cypress Protocol Capture Analyzer

Usage:
  cypress-log <command> [flags] <file.cbor>

Commands:
  view     View capture file in human-readable format
  export   Export capture file to JSON lines or CSV
  filter   Filter capture file and write to new file
  stats    Show statistics about the capture file

Use "cypress-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared filter flags.
func newFlagSet(name, summary string, opts *commands.FilterOptions) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "cypress-log %s - %s\n\nUsage:\n  cypress-log %s [flags] <file.cbor>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.SessionID, "session-id", "", "Filter by session ID")
	fs.StringVar(&opts.Instrument, "instrument", "", "Filter by instrument (weigh_scale, audiometer, frax, spirometer)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, codec, session)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (frame, command, state, error)")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter events after this time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter events before this time (RFC3339)")
	return fs
}

// parse parses args and returns the capture file path and filter.
func parse(fs *flag.FlagSet, opts *commands.FilterOptions, args []string) (string, log.Filter) {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	filter, err := opts.Build()
	if err != nil {
		fatal(err)
	}
	return fs.Arg(0), filter
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("view", "View capture file in human-readable format", &opts)
	path, filter := parse(fs, &opts, args)

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fatal(err)
	}
}

func runExport(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("export", "Export capture file to JSON lines or CSV", &opts)
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path, filter := parse(fs, &opts, args)

	if err := commands.RunExport(path, *format, *output, filter); err != nil {
		fatal(err)
	}
}

func runFilter(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("filter", "Filter capture file and write to new file", &opts)
	output := fs.String("o", "", "Output file (required)")
	path, filter := parse(fs, &opts, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	count, err := commands.RunFilter(path, *output, filter)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Wrote %d events to %s\n", count, *output)
}

func runStats(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("stats", "Show statistics about the capture file", &opts)
	path, filter := parse(fs, &opts, args)

	if err := commands.RunStats(path, filter, os.Stdout); err != nil {
		fatal(err)
	}
}

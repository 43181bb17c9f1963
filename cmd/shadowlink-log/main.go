// Command shadowlink-log views and analyzes shadowlink protocol traces.
//
// Traces are written by shadowlink with the -trace-file flag (or the
// log.trace_file configuration key).
//
// Usage:
//
//	shadowlink-log <command> [flags] <file.mlog>
//
// Commands:
//
//	view     View trace in human-readable format
//	export   Export trace to JSONL or CSV
//	filter   Filter trace and write to new file
//	stats    Show statistics about the trace
//
// Examples:
//
//	# View only auth-layer events
//	shadowlink-log view -layer auth client.mlog
//
//	# Everything one device went through
//	shadowlink-log view -device esp32_devkitc_dean1 client.mlog
//
//	# Deltas the reconciler applied
//	shadowlink-log view -status delta -applied true client.mlog
//
//	# Keep one login session
//	shadowlink-log filter -session 3f2a91c4-... -o login.mlog client.mlog
//
//	# Show statistics
//	shadowlink-log stats client.mlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shadowlink/shadowlink-go/cmd/shadowlink-log/commands"
)

const usage = `shadowlink-log - Shadowlink Trace Analyzer

Usage:
  shadowlink-log <command> [flags] <file.mlog>

Commands:
  view     View trace in human-readable format
  export   Export trace to JSONL or CSV
  filter   Filter trace and write to new file
  stats    Show statistics about the trace

Use "shadowlink-log <command> -help" for more information about a command.
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

// newFlagSet builds a flag set whose usage names the subcommand.
func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "shadowlink-log %s - %s\n\nUsage:\n  shadowlink-log %s [flags] <file.mlog>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	return fs
}

// parsePath parses args and returns the trace file argument.
func parsePath(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

// payloadFlags registers the payload criteria shared by view and filter.
func payloadFlags(fs *flag.FlagSet) *commands.PayloadOptions {
	var o commands.PayloadOptions
	fs.StringVar(&o.Entity, "entity", "", "Filter state changes by entity (session, connection, device)")
	fs.StringVar(&o.Operation, "op", "", "Filter shadow events by operation (get, update, delete)")
	fs.StringVar(&o.Status, "status", "", "Filter shadow events by status (accepted, delta, documents, ...)")
	fs.StringVar(&o.Applied, "applied", "", "Filter shadow events by whether they changed state (true, false)")
	fs.StringVar(&o.Automatic, "automatic", "", "Filter challenge rounds answered without the user (true, false)")
	fs.StringVar(&o.ErrorKind, "error-kind", "", "Filter errors by kind (e.g. MalformedPayload)")
	return &o
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	fs := newFlagSet("view", "View trace in human-readable format")
	layer := fs.String("layer", "", "Filter by layer (auth, shadow, connection)")
	direction := fs.String("direction", "", "Filter by direction (in, out, local)")
	category := fs.String("category", "", "Filter by category (message, state, error)")
	username := fs.String("user", "", "Filter by username")
	device := fs.String("device", "", "Filter by device ID")
	payload := payloadFlags(fs)
	path := parsePath(fs, args)

	filter := commands.ViewFilter{Username: *username, DeviceID: *device}
	if err := payload.Apply(&filter.Payload); err != nil {
		fail(err)
	}

	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			fail(err)
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			fail(err)
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export trace to JSONL or CSV")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := parsePath(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter trace and write to new file")
	output := fs.String("o", "", "Output file (required)")
	session := fs.String("session", "", "Filter by session ID")
	username := fs.String("user", "", "Filter by username")
	device := fs.String("device", "", "Filter by device ID")
	timeStart := fs.String("time-start", "", "Filter by start time (RFC3339)")
	timeEnd := fs.String("time-end", "", "Filter by end time (RFC3339)")
	layer := fs.String("layer", "", "Filter by layer (auth, shadow, connection)")
	direction := fs.String("direction", "", "Filter by direction (in, out, local)")
	category := fs.String("category", "", "Filter by category (message, state, error)")
	payload := payloadFlags(fs)
	path := parsePath(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, commands.FilterOptions{
		Output:    *output,
		SessionID: *session,
		Username:  *username,
		DeviceID:  *device,
		TimeStart: *timeStart,
		TimeEnd:   *timeEnd,
		Layer:     *layer,
		Direction: *direction,
		Category:  *category,
		Payload:   *payload,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about the trace")
	path := parsePath(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}

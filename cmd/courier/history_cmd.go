package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/history"
)

func printHistoryNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: courier history <action> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  list [--limit N] [--json]   Recent fetches, newest first")
	fmt.Fprintln(w, "  show <id> [--json]          One recorded fetch")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Both accept --config PATH and --db PATH (defaults to history.path).")
}

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return exitUsage
	}
	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return exitOK
	}

	action, actionArgs := args[0], args[1:]
	if hasHelpFlag(actionArgs) {
		printHistoryNounHelp(os.Stdout)
		return exitOK
	}
	switch action {
	case "list":
		return runHistoryList(actionArgs)
	case "show":
		return runHistoryShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return exitUsage
	}
}

type historyFlags struct {
	configPath string
	dbPath     string
	jsonOut    bool
}

func (hf *historyFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&hf.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&hf.dbPath, "db", "", "History database path (overrides history.path)")
	fs.BoolVar(&hf.jsonOut, "json", false, "Output in JSON")
}

// open reads history regardless of history.enabled, which only governs
// recording.
func (hf *historyFlags) open(ctx context.Context) (*history.Store, error) {
	path := hf.dbPath
	if path == "" {
		cfg, err := config.LoadDiscovered(hf.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.History.Path
	}
	path, err := config.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no history database at %s", path)
	}
	return history.Open(ctx, path)
}

func runHistoryList(args []string) int {
	var hf historyFlags
	var limit int
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	hf.register(fs)
	fs.IntVar(&limit, "limit", history.DefaultLimit, "Maximum entries to show")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	ctx := context.Background()
	store, err := hf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = store.Close() }()

	entries, err := store.Recent(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return exitUsage
	}

	if hf.jsonOut {
		if entries == nil {
			entries = []history.Entry{}
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return exitOK
	}

	if len(entries) == 0 {
		fmt.Println("No recorded fetches.")
		return exitOK
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPLETED\tID\tSTATUS\tCODE\tBYTES\tDURATION\tURL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.CompletedAt.Local().Format(time.DateTime), e.ID, statusLabel(e), codeLabel(e),
			e.BodyBytes, e.Duration.Round(time.Millisecond), e.URL)
	}
	_ = tw.Flush()
	return exitOK
}

func runHistoryShow(args []string) int {
	var hf historyFlags
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	hf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: courier history show <id> [--json]")
		return exitUsage
	}

	ctx := context.Background()
	store, err := hf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = store.Close() }()

	e, err := store.Get(ctx, fs.Arg(0))
	if errors.Is(err, history.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "No recorded fetch with id %s\n", fs.Arg(0))
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return exitUsage
	}

	if hf.jsonOut {
		data, _ := json.MarshalIndent(e, "", "  ")
		fmt.Println(string(data))
		return exitOK
	}
	fmt.Printf("id:          %s\n", e.ID)
	fmt.Printf("url:         %s\n", e.URL)
	fmt.Printf("status:      %s\n", statusLabel(e))
	if e.StatusCode != 0 {
		fmt.Printf("status_code: %d\n", e.StatusCode)
	}
	if e.LastError != "" {
		fmt.Printf("error:       %s\n", e.LastError)
	}
	fmt.Printf("body_bytes:  %d\n", e.BodyBytes)
	if e.BodyDigest != "" {
		fmt.Printf("digest:      %s\n", e.BodyDigest)
	}
	fmt.Printf("started_at:  %s\n", e.StartedAt.Format(time.RFC3339Nano))
	fmt.Printf("completed:   %s\n", e.CompletedAt.Format(time.RFC3339Nano))
	fmt.Printf("duration:    %s\n", e.Duration)
	return exitOK
}

func statusLabel(e history.Entry) string {
	if e.Status == "ok" {
		return "ok"
	}
	return e.Status + ":" + e.ErrorKind
}

func codeLabel(e history.Entry) string {
	if e.StatusCode == 0 {
		return "-"
	}
	return fmt.Sprint(e.StatusCode)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/history"
	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/tui"
)

func printFetchHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: courier fetch [--config PATH] [--json] [--body] [--timeout D] [--header \"Name: value\"] URL...")
	fmt.Fprintln(w, "Fetch every URL concurrently on the background worker. Results print in completion order.")
}

func printWatchHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: courier watch [--config PATH] [--exit] [--timeout D] [--header \"Name: value\"] URL...")
	fmt.Fprintln(w, "Fetch URLs with a live terminal view. Press r to refetch once all are done, q to quit.")
}

func runFetch(args []string) int {
	if hasHelpFlag(args) {
		printFetchHelp(os.Stdout)
		return exitOK
	}

	var rf requestFlags
	var jsonOut, showBody bool
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	rf.register(fs)
	fs.BoolVar(&jsonOut, "json", false, "Print one JSON object per result")
	fs.BoolVar(&showBody, "body", false, "Print each response body after its result line")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}
	if fs.NArg() == 0 {
		printFetchHelp(os.Stderr)
		return exitUsage
	}

	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder, closeHistory, err := openRecorder(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return exitUsage
	}
	defer closeHistory()

	w, err := dispatch.Init(dispatch.WithLogger(log.WithComponent("worker")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker error: %v\n", err)
		return exitUsage
	}
	defer w.Shutdown()

	failed := 0
	remaining := fs.NArg()
	handler := func(res fetch.Result) {
		remaining--
		if !res.OK() {
			failed++
		}
		recorder(ctx, res)
		printResult(os.Stdout, res, jsonOut, showBody)
	}

	opts := rf.options(cfg)
	var reqs []*fetch.UriRequest
	for _, raw := range fs.Args() {
		r, err := fetch.New(raw, handler, opts...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid URL %q: %v\n", raw, err)
			return exitUsage
		}
		reqs = append(reqs, r)
	}
	for _, r := range reqs {
		if err := w.Dispatch(r); err != nil {
			fmt.Fprintf(os.Stderr, "Dispatch error: %v\n", err)
			return exitUsage
		}
	}

	if err := pollUntil(ctx, w, cfg.Worker.PollInterval, func() bool { return remaining == 0 }); err != nil {
		fmt.Fprintf(os.Stderr, "Interrupted with %d fetches outstanding\n", remaining)
		return exitUsage
	}
	if failed > 0 {
		return exitFetchFailed
	}
	return exitOK
}

// pollUntil drives Poll on the calling goroutine until done reports true or
// ctx ends.
func pollUntil(ctx context.Context, w *dispatch.Worker, interval time.Duration, done func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.Poll()
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.Ready():
		case <-ticker.C:
		}
	}
}

func printResult(out io.Writer, res fetch.Result, jsonOut, showBody bool) {
	if jsonOut {
		entry := history.EntryFromResult(res)
		data, _ := json.Marshal(entry)
		fmt.Fprintln(out, string(data))
		return
	}
	if res.OK() {
		resp := res.Response
		fmt.Fprintf(out, "%d %s  %s  %d bytes  %s  %s\n",
			resp.StatusCode, resp.Reason, res.URL, len(resp.Body),
			res.Duration().Round(time.Millisecond), res.Digest)
		if showBody {
			_, _ = out.Write(resp.Body)
			if n := len(resp.Body); n > 0 && resp.Body[n-1] != '\n' {
				fmt.Fprintln(out)
			}
		}
		return
	}
	fmt.Fprintf(out, "ERR %s  %s  %v\n", res.Kind(), res.URL, res.Err)
}

// openRecorder returns a func that writes results to the history store, or
// a no-op when history is disabled.
func openRecorder(ctx context.Context, cfg *config.Config) (func(context.Context, fetch.Result), func(), error) {
	if !cfg.History.Enabled {
		return func(context.Context, fetch.Result) {}, func() {}, nil
	}
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, err
	}
	logger := log.WithComponent("history")
	record := func(ctx context.Context, res fetch.Result) {
		if err := store.Record(context.WithoutCancel(ctx), res); err != nil {
			logger.Error("failed to record fetch", "fetch_id", res.ID, "error", err)
		}
	}
	return record, func() { _ = store.Close() }, nil
}

func runWatch(args []string) int {
	if hasHelpFlag(args) {
		printWatchHelp(os.Stdout)
		return exitOK
	}

	var rf requestFlags
	var exitWhenDone bool
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	rf.register(fs)
	fs.BoolVar(&exitWhenDone, "exit", false, "Quit once every fetch has finished")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}
	if fs.NArg() == 0 {
		printWatchHelp(os.Stderr)
		return exitUsage
	}

	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return exitUsage
	}

	w, err := dispatch.Init(dispatch.WithLogger(log.WithComponent("worker")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker error: %v\n", err)
		return exitUsage
	}
	defer w.Shutdown()

	opts := []tui.Option{
		tui.WithFrameInterval(cfg.Worker.PollInterval),
		tui.WithFetchOptions(rf.options(cfg)...),
	}
	if exitWhenDone {
		opts = append(opts, tui.WithExitWhenDone())
	}
	model, err := tui.New(w, fs.Args(), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid URL: %v\n", err)
		return exitUsage
	}

	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return exitUsage
	}

	ctx := context.Background()
	recorder, closeHistory, err := openRecorder(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return exitUsage
	}
	defer closeHistory()

	code := exitOK
	results := model.Results()
	if len(results) < fs.NArg() {
		// Undispatched or unfinished rows have no result.
		code = exitFetchFailed
	}
	for _, res := range results {
		recorder(ctx, res)
		printResult(os.Stdout, res, false, false)
		if !res.OK() {
			code = exitFetchFailed
		}
	}
	return code
}

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/log"
)

// Exit codes. A fetch that reached the server counts as success whatever its
// HTTP status; exitFetchFailed means at least one fetch got no response.
const (
	exitOK          = 0
	exitUsage       = 1
	exitFetchFailed = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "fetch":
		return runFetch(rest)
	case "watch":
		return runWatch(rest)
	case "serve":
		return runServe(rest)
	case "history":
		return runHistoryNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "version":
		return runVersion(rest)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `courier - background HTTP/1.1 fetch engine

Usage:
  courier <command> [flags]

Commands:
  fetch URL...          Fetch URLs on the background worker and print results
  watch URL...          Fetch URLs with a live terminal view
  serve                 Run the HTTP control API (POST /fetch, /events)
  history list          Show recorded fetches
  history show <id>     Show one recorded fetch
  config show           Print the resolved configuration
  config check          Validate the configuration
  version               Show version information
  help                  Show this help message

Every command accepts --config PATH. Without it courier reads $COURIER_CONFIG,
then ~/.config/courier/config.yaml, then ./courier.yaml, then built-in defaults.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig resolves and loads the configuration, then sets up logging
// from it. Logs go to stderr so stdout stays parseable.
func loadConfig(explicit string) (*config.Config, error) {
	cfg, err := config.LoadDiscovered(explicit)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}

// fetchOptions maps worker settings onto per-request options.
func fetchOptions(cfg *config.Config) []fetch.Option {
	w := cfg.Worker
	opts := []fetch.Option{
		fetch.WithTimeouts(w.ConnectTimeout, w.ResponseTimeout),
		fetch.WithLimits(w.MaxHeaderBytes, w.MaxBodyBytes),
		fetch.WithUserAgent(w.UserAgent),
	}
	for _, h := range w.HeaderList() {
		opts = append(opts, fetch.WithHeader(h.Name, h.Value))
	}
	return opts
}

// headerFlags collects repeated --header "Name: value" flags.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header %q must be \"Name: value\"", v)
	}
	*h = append(*h, strings.TrimSpace(name)+":"+strings.TrimSpace(value))
	return nil
}

func (h headerFlags) options() []fetch.Option {
	opts := make([]fetch.Option, 0, len(h))
	for _, kv := range h {
		name, value, _ := strings.Cut(kv, ":")
		opts = append(opts, fetch.WithHeader(name, value))
	}
	return opts
}

// requestFlags are shared by fetch and watch.
type requestFlags struct {
	configPath string
	timeout    time.Duration
	headers    headerFlags
}

func (rf *requestFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&rf.configPath, "config", "", "Path to configuration file")
	fs.DurationVar(&rf.timeout, "timeout", 0, "Response deadline per fetch (overrides worker.response_timeout)")
	fs.Var(&rf.headers, "header", "Extra request header \"Name: value\" (repeatable)")
}

func (rf *requestFlags) options(cfg *config.Config) []fetch.Option {
	opts := fetchOptions(cfg)
	opts = append(opts, rf.headers.options()...)
	if rf.timeout > 0 {
		opts = append(opts, fetch.WithTimeouts(0, rf.timeout))
	}
	return opts
}

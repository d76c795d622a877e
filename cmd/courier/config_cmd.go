package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/courier/internal/config"
)

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: courier config <action> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  show [--json]    Print the resolved configuration")
	fmt.Fprintln(w, "  check [--json]   Validate the configuration and print its fingerprint")
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitUsage
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: courier config show [--config PATH] [--json]")
			return exitOK
		}
		return runConfigShow(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: courier config check [--config PATH] [--json]")
			return exitOK
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return exitUsage
	}
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	cfg, err := config.LoadDiscovered(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return exitUsage
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
		return exitOK
	}
	data, _ := yaml.Marshal(cfg)
	fmt.Print(string(data))
	return exitOK
}

type checkReport struct {
	Valid       bool   `json:"valid"`
	Source      string `json:"source"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	report := checkReport{Source: "defaults"}
	cfg, err := config.LoadDiscovered(*configPath)
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Valid = true
		if cfg.SourcePath != "" {
			report.Source = cfg.SourcePath
		}
		report.Fingerprint, err = config.Fingerprint(cfg)
		if err != nil {
			report.Valid = false
			report.Error = err.Error()
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else if report.Valid {
		fmt.Printf("Configuration OK: %s\n", report.Source)
		fmt.Printf("Fingerprint: %s\n", report.Fingerprint)
	} else {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %s\n", report.Error)
	}

	if !report.Valid {
		return exitUsage
	}
	return exitOK
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pipepulse/internal/config"
	"github.com/mattjoyce/pipepulse/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "init":
		if hasHelpFlag(actionArgs) {
			printConfigInitHelp()
			return 0
		}
		return runConfigInit(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	case "hash", "lock":
		if hasHelpFlag(actionArgs) {
			printConfigHashHelp()
			return 0
		}
		return runConfigHash(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pipepulse config <action> [flags]")
	fmt.Fprintln(w, "Actions: init, check, show, get, set, hash")
}

func printConfigInitHelp() {
	fmt.Println("Usage: pipepulse config init [--config PATH] [--force]")
	fmt.Printf("Write a commented default configuration (default: ./%s).\n", config.DefaultFileName)
}

func printConfigCheckHelp() {
	fmt.Println("Usage: pipepulse config check [--config PATH] [--json] [--strict]")
	fmt.Println("Validate syntax, worker commands, API exposure and integrity.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Invalid (or warnings with --strict)")
	fmt.Println("  2  Valid with warnings")
}

func printConfigShowHelp() {
	fmt.Println("Usage: pipepulse config show [entity] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration, or one entity such as worker:3 or worker:*.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: pipepulse config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration, e.g. pool.every.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: pipepulse config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printConfigHashHelp() {
	fmt.Println("Usage: pipepulse config hash [--config PATH]")
	fmt.Printf("Record the BLAKE3 checksum of the config in <config>%s; start refuses a mismatch.\n", config.ChecksumSuffix)
}

func runConfigInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultFileName, "Path of the file to write")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := config.WriteDefault(*configPath, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Init failed: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", *configPath)
	fmt.Println("Next: edit pool.command, then run 'pipepulse config check' and 'pipepulse config hash'.")
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		if *jsonOut {
			res := &doctor.Result{Valid: false, Errors: []doctor.Issue{{Category: "syntax", Message: err.Error()}}}
			out, _ := doctor.FormatJSON(res)
			fmt.Println(out)
		} else {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	return checkExitCode(result, *strict)
}

func checkExitCode(result *doctor.Result, strict bool) int {
	switch {
	case !result.Valid:
		return 1
	case len(result.Warnings) > 0 && strict:
		return 1
	case len(result.Warnings) > 0:
		return 2
	default:
		return 0
	}
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	flagArgs, positional := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if len(positional) > 0 {
		res, err := cfg.GetPath(positional[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	return printValue(result, *jsonOut)
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	flagArgs, positional := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if len(positional) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: pipepulse config get <path> [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	switch val.(type) {
	case map[string]any, []any:
		return printValue(val, false)
	default:
		fmt.Printf("%v\n", val)
		return 0
	}
}

func printValue(v any, asJSON bool) int {
	if asJSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigSet(args []string) int {
	var configPath string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	var kvPair string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") && kvPair == "" {
			kvPair = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if kvPair == "" {
		fmt.Fprintf(os.Stderr, "Usage: pipepulse config set <path>=<value> [--dry-run | --apply]\n")
		return 1
	}

	if dryRun == apply {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --dry-run or --apply must be specified for 'config set'.")
		return 1
	}

	parts := strings.SplitN(kvPair, "=", 2)
	path, value := parts[0], parts[1]

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if dryRun {
		if err := cfg.SetPath(path, value, false); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	}

	pinned, _ := config.VerifyChecksum(cfg.SourcePath)
	if err := cfg.SetPath(path, value, true); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully set %q to %q\n", path, value)
	if pinned {
		fmt.Println("Note: the recorded checksum no longer matches; run 'pipepulse config hash' to re-pin.")
	}
	return 0
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	// Load first so a broken file is never pinned.
	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	hash, err := config.WriteChecksum(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hash failed: %v\n", err)
		return 1
	}
	fmt.Printf("Recorded %s for %s\n", hash, cfg.SourcePath)
	return 0
}

// splitFlagsAndPositionals lets positionals appear before flags.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positionals []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}
		flags = append(flags, arg)
		if takesValue[arg] && !strings.Contains(arg, "=") && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}

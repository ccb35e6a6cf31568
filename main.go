package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"grimm.is/rampart/cmd"
	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	opts, command, args, err := parseArgs(os.Args[1:])
	if err == flag.ErrHelp {
		return
	}
	if err != nil {
		printer.Fprintf(os.Stderr, "%v\n\n", err)
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "apply":
		err = cmd.RunApply(ctx, opts)
	case "check":
		err = cmd.RunCheck(ctx, opts)
	case "dump":
		err = cmd.RunDump(ctx, opts)
	case "diff":
		err = cmd.RunDiff(ctx, opts)
	case "clear":
		err = cmd.RunClear(ctx, opts, opts.ClearAll)
	case "config":
		err = cmd.RunConfig(ctx, opts)
	case "import":
		err = cmd.RunImport(ctx, opts, args[0], args[1])
	case "daemon":
		err = cmd.RunDaemon(ctx, opts)
	case "version":
		printer.Println(brand.VersionString())
	case "help":
		printUsage()
	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		printer.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		stop()
		os.Exit(1)
	}
}

// positional is the number of arguments each command takes after its flags.
var positional = map[string]int{"import": 2}

// parseArgs accepts flags before and after the command. Commands taking
// arguments get them padded to their full count; a missing trailing
// argument is empty.
func parseArgs(args []string) (cmd.Options, string, []string, error) {
	var opts cmd.Options
	var version bool

	fs := flag.NewFlagSet(brand.BinaryName, flag.ContinueOnError)
	fs.Usage = printUsage
	defaultConfig := filepath.Join(brand.GetConfigDir(), brand.ConfigFileName)
	fs.StringVar(&opts.ConfigFile, "config", defaultConfig, "Configuration file")
	fs.StringVar(&opts.ConfigFile, "c", defaultConfig, "Configuration file (short)")
	fs.BoolVar(&opts.Debug, "debug", false, "Debug logging")
	fs.BoolVar(&opts.Debug, "d", false, "Debug logging (short)")
	fs.BoolVar(&opts.Bash, "bash", false, "Print a shell script instead of loading")
	fs.BoolVar(&opts.Bash, "b", false, "Print a shell script (short)")
	fs.BoolVar(&opts.SkipChecks, "skip-checks", false, "Assume every kernel feature is available")
	fs.BoolVar(&opts.Loop, "loop", false, "Re-apply on changes")
	fs.BoolVar(&opts.Loop, "l", false, "Re-apply on changes (short)")
	fs.BoolVar(&opts.Foreground, "foreground", false, "Run the daemon in the foreground")
	fs.BoolVar(&opts.Foreground, "f", false, "Run the daemon in the foreground (short)")
	fs.BoolVar(&opts.Clear, "clear", false, "Open the filter table")
	fs.BoolVar(&opts.ClearAll, "clear-all", false, "Reset every table")
	fs.BoolVar(&opts.Keep, "keep", false, "Keep temporary files")
	fs.BoolVar(&opts.Keep, "k", false, "Keep temporary files (short)")
	fs.BoolVar(&version, "version", false, "Print the version")
	fs.BoolVar(&version, "V", false, "Print the version (short)")

	if err := fs.Parse(args); err != nil {
		return opts, "", nil, err
	}
	command := "apply"
	var rest []string
	if fs.NArg() > 0 {
		command = fs.Arg(0)
		rest = fs.Args()[1:]
	}
	n := positional[command]
	var pos []string
	for {
		if err := fs.Parse(rest); err != nil {
			return opts, "", nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		if len(pos) == n {
			return opts, "", nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
		}
		pos = append(pos, fs.Arg(0))
		rest = fs.Args()[1:]
	}
	for len(pos) < n {
		pos = append(pos, "")
	}
	if version {
		command = "version"
	}
	return opts, command, pos, nil
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s [options] <command>

Commands:
  apply     Compile the policy and load it (default)
  check     Compile the policy and print a summary
  dump      Print the compiled policy as a shell script
  diff      Compare the compiled policy with the live ruleset
  clear     Open the filter table (--clear-all resets every table)
  config    Print the effective configuration
  import    Load a policy file into a sqlite store: import <policy> [<db>]
  daemon    Keep the policy applied, reloading on SIGHUP or file changes
  version   Print the version

Options:
  -c, --config <file>   Configuration file (default %s)
  -d, --debug           Debug logging
  -b, --bash            Print a shell script instead of loading
      --skip-checks     Assume every kernel feature is available
  -l, --loop            Re-apply whenever the config or policy changes
  -f, --foreground      Do not detach the daemon
      --clear           Open the filter table instead of applying
      --clear-all       Reset every table instead of applying
  -k, --keep            Keep the temporary files
  -V, --version         Print the version
  -h, --help            Show this help
`, brand.Name, brand.Description, brand.BinaryName, filepath.Join(brand.GetConfigDir(), brand.ConfigFileName))
}

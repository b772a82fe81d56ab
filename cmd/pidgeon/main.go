// ABOUTME: Entry point for the pidgeon CLI
// ABOUTME: Dispatches subcommands for uploads, the REPL, and the network gateway

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/FayCarsons/pidgeon/internal/config"
)

// Version is set at build time.
var version = "dev"

const banner = `
       _     _
 _ __ (_) __| | __ _  ___  ___  _ __
| '_ \| |/ _' |/ _' |/ _ \/ _ \| '_ \
| |_) | | (_| | (_| |  __/ (_) | | | |
| .__/|_|\__,_|\__, |\___|\___/|_| |_|
|_|            |___/
`

const usage = `Usage: pidgeon <command> [flags]

Commands:
  file <path>        Upload a script and print the reply (--watch to re-upload on save)
  repl               Interactive session with the device
  remote [port]      Serve the device to network clients
  simulate [port]    Serve a simulated device
  ports              List serial ports
  check [addr]       Ask a gateway whether the device is free
  send <text>...     Run one gateway session and print the replies
  version            Print the version

Run 'pidgeon <command> --help' for command flags.
`

// errUsage means help was printed; exit without an error message.
var errUsage = errors.New("usage")

// getConfigPath returns the path to the config file.
// Priority: PIDGEON_CONFIG env var > XDG_CONFIG_HOME/pidgeon/config.yaml > ~/.config/pidgeon/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PIDGEON_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "pidgeon.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pidgeon", "config.yaml")
}

// commonFlags are accepted by every command that loads configuration.
type commonFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&common.configPath, "config", "c", "", "config file (default $PIDGEON_CONFIG or ~/.config/pidgeon/config.yaml)")
	fs.StringVar(&common.logLevel, "log-level", "", "log level override: debug, info, warn, error")
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errUsage
		}
		return err
	}
	return nil
}

// load reads the config. A missing file at the default location means
// defaults; a missing file named with --config is an error.
func (c *commonFlags) load() (*config.Config, string, error) {
	var (
		cfg  *config.Config
		err  error
		path = c.configPath
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		path = getConfigPath()
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "file":
		err = runFile(ctx, args)
	case "repl":
		err = runREPL(ctx, args)
	case "remote":
		err = runRemote(ctx, args)
	case "simulate":
		err = runSimulate(ctx, args)
	case "ports":
		err = runPorts(args)
	case "check":
		err = runCheck(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "version", "--version":
		fmt.Println("pidgeon", version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if errors.Is(err, errUsage) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// gasreplay: gas schedule replay tool
//
// gasreplay replays the blocks of an exported Ethereum chain into a second
// chain store, validating each block on the way and recording per
// transaction gas usage trees under the live schedule and a simulated one.
// The trees can be written as report lines, archived, aggregated and
// compared.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fortiblox/gasreplay/internal/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warn("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newApp(os.Stdout, os.Stderr).command().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		os.Exit(1)
	}
}

// app holds the state shared by all commands: global flags, the loaded
// configuration and the logger built from it.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath  string
	logLevel    string
	logFormat   string
	sourcePath  string
	destPath    string
	archivePath string

	config config.Config
	log    log.Logger
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		config: config.Default(),
		log:    log.Root(),
	}
}

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:               "gasreplay",
		Short:             "Replay an exported chain and record gas usage",
		Version:           fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, crit")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: terminal, logfmt, json")
	pf.StringVar(&a.sourcePath, "source", "", "source chain store path")
	pf.StringVar(&a.destPath, "dest", "", "destination chain store path")
	pf.StringVar(&a.archivePath, "archive", "", "usage archive directory")

	root.AddCommand(
		a.replayCommand(),
		a.importCommand(),
		a.fetchCommand(),
		a.exportCommand(),
		a.readCommand(),
		a.headCommand(),
		a.scheduleCommand(),
		a.usageCommand(),
	)
	return root
}

// setup loads the configuration, applies the global flag overrides and
// installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.configPath != "" {
		c, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.config = c
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		a.config.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		a.config.Log.Format = a.logFormat
	}
	if flags.Changed("source") {
		a.config.Source.Path = a.sourcePath
	}
	if flags.Changed("dest") {
		a.config.Dest.Path = a.destPath
	}
	if flags.Changed("archive") {
		a.config.Archive.Path = a.archivePath
	}
	if err := a.config.Validate(); err != nil {
		return err
	}
	logger, err := a.config.Log.NewLogger(a.stderr)
	if err != nil {
		return err
	}
	log.SetDefault(logger)
	a.log = logger
	return nil
}

// Package cmd contains the tabcast CLI.
package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tabcast/tabcast/log"
)

// Version is the semantic version of the tabcast binary.
const Version = "0.1.0"

// BannerColor is the color used for the startup banner.
var BannerColor = color.New(color.FgCyan)

//nolint:gochecknoglobals
var (
	outMutex  = &sync.Mutex{}
	stdoutTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	stderrTTY = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	stdout    = &consoleWriter{colorable.NewColorableStdout(), stdoutTTY, outMutex}
	stderr    = &consoleWriter{colorable.NewColorableStderr(), stderrTTY, outMutex}
)

// consoleWriter syncs writes to the console with a mutex so that log
// lines and command output don't interleave mid-line.
type consoleWriter struct {
	Writer io.Writer
	IsTTY  bool
	Mutex  *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.IsTTY {
		// Add a TTY code to erase till the end of line with each new line.
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}
	w.Mutex.Lock()
	n, err = w.Writer.Write(p)
	w.Mutex.Unlock()
	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}

// rootCommand keeps the state shared by the root command and its
// subcommands.
type rootCommand struct {
	ctx    context.Context
	logger *logrus.Logger
	cmd    *cobra.Command

	verbose           bool
	quiet             bool
	noColor           bool
	logCategoryFilter string
	address           string
}

func newRootCommand(ctx context.Context, logger *logrus.Logger) *rootCommand {
	c := &rootCommand{
		ctx:    ctx,
		logger: logger,
	}
	// The base command when called without any subcommands.
	c.cmd = &cobra.Command{
		Use:               "tabcast",
		Short:             "a multi-tenant browser session server",
		Long:              BannerColor.Sprint("\ntabcast - browser sessions that follow the action\n"),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	c.cmd.AddCommand(getServeCmd(c), getVersionCmd())
	return c
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "disable progress output")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&c.logCategoryFilter, "log-category", "",
		"regexp restricting debug output to matching categories, e.g. 'cdp:.*'")
	flags.StringVarP(&c.address, "address", "a", "localhost:8787", "address for the HTTP and websocket server")
	return flags
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	c.logger.SetOutput(stderr)
	c.logger.SetFormatter(&logrus.TextFormatter{
		ForceColors:   stderrTTY && !c.noColor,
		DisableColors: c.noColor,
	})
	switch {
	case c.verbose:
		c.logger.SetLevel(logrus.DebugLevel)
	case c.quiet:
		c.logger.SetLevel(logrus.WarnLevel)
	default:
		c.logger.SetLevel(logrus.InfoLevel)
	}
	return nil
}

// platformLogger wraps the configured logrus logger with the category
// filter from --log-category.
func (c *rootCommand) platformLogger() (*log.Logger, error) {
	logger := log.New(c.logger, c.verbose, nil)
	if c.logCategoryFilter != "" {
		if err := logger.SetCategoryFilter(c.logCategoryFilter); err != nil {
			return nil, err
		}
	}
	return logger, nil
}

// Execute runs the root command and exits the process on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	c := newRootCommand(ctx, logger)
	if err := c.cmd.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

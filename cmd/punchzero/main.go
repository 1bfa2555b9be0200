package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/config"
	"github.com/dargueta/punchzero/extent"
	"github.com/dargueta/punchzero/report"
	"github.com/dargueta/punchzero/rewrite"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const usageLine = "punchzero snapshot.vmdk"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run executes the command line in `args` and returns the exit status. The
// summary and any diagnostic go to `stdout`; logs go to `stderr`.
func run(args []string, stdout, stderr io.Writer) int {
	logger := logrus.New()
	logger.SetOutput(stderr)

	app := &cli.App{
		Name:            "punchzero",
		Usage:           "Drop grains of a snapshot that are identical to its parent chain",
		ArgsUsage:       "snapshot.vmdk",
		HideHelpCommand: true,
		Writer:          stdout,
		ErrWriter:       stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "read settings from the YAML `FILE`",
				EnvVars: []string{"PUNCHZERO_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "read extents through a `BACKEND`, either window or mmap",
				EnvVars: []string{"PUNCHZERO_BACKEND"},
			},
			&cli.IntFlag{
				Name:    "window-sectors",
				Usage:   "size of one read window in `SECTORS`",
				EnvVars: []string{"PUNCHZERO_WINDOW_SECTORS"},
			},
			&cli.IntFlag{
				Name:    "cached-windows",
				Usage:   "number of read windows kept in memory per extent",
				EnvVars: []string{"PUNCHZERO_CACHED_WINDOWS"},
			},
			&cli.IntFlag{
				Name:    "grain-table-cache",
				Usage:   "number of grain tables kept in memory per extent",
				EnvVars: []string{"PUNCHZERO_GRAIN_TABLE_CACHE"},
			},
			&cli.BoolFlag{
				Name:    "keep-partial",
				Usage:   "don't delete the new extent if the rewrite fails",
				EnvVars: []string{"PUNCHZERO_KEEP_PARTIAL"},
			},
			&cli.StringFlag{
				Name:    "csv",
				Usage:   "also write the chain summary as CSV to `FILE`",
				EnvVars: []string{"PUNCHZERO_CSV"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log `LEVEL` for messages written to stderr",
				EnvVars: []string{"PUNCHZERO_LOG_LEVEL"},
			},
		},
		Action: func(context *cli.Context) error {
			return compact(context, logger)
		},
	}

	if err := app.Run(args); err != nil {
		fmt.Fprintln(stdout, diagnostic(err))
		return 1
	}
	return 0
}

// diagnostic formats `err` on a single line, including combined errors.
func diagnostic(err error) string {
	if combined, ok := err.(*multierror.Error); ok {
		combined.ErrorFormat = joinErrors
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

func joinErrors(errs []error) string {
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

// loadConfig builds the configuration from defaults, the optional YAML file,
// and finally any flags or environment variables that were set.
func loadConfig(context *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := context.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if context.IsSet("backend") {
		cfg.Backend = context.String("backend")
	}
	if context.IsSet("window-sectors") {
		cfg.WindowSectors = context.Int("window-sectors")
	}
	if context.IsSet("cached-windows") {
		cfg.CachedWindows = context.Int("cached-windows")
	}
	if context.IsSet("grain-table-cache") {
		cfg.GrainTableCache = context.Int("grain-table-cache")
	}
	if context.IsSet("keep-partial") {
		cfg.KeepPartial = context.Bool("keep-partial")
	}
	if context.IsSet("csv") {
		cfg.CSVPath = context.String("csv")
	}
	if context.IsSet("log-level") {
		cfg.LogLevel = context.String("log-level")
	}
	return cfg, cfg.Validate()
}

func compact(context *cli.Context, logger *logrus.Logger) (err error) {
	if context.NArg() != 1 {
		fmt.Fprintln(context.App.Writer, usageLine)
		return nil
	}

	cfg, err := loadConfig(context)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Level())

	chain, err := extent.LoadChain(context.Args().First(), cfg.ExtentOptions(logger))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := chain.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				err = multierror.Append(err, closeErr)
			}
		}
	}()

	child := chain.Child()
	if child.Kind == extent.Sparse && child.Parent != nil {
		inputBytes := child.Source().Size()
		path, stats, err := rewrite.RewriteFile(
			chain, rewrite.Options{Logger: logger, KeepPartial: cfg.KeepPartial})
		if err != nil {
			return err
		}
		logger.WithField("output", path).Debug("new extent written")
		report.LogStats(logger, stats, inputBytes)
	} else {
		logger.WithField("extent", child.Name()).Info("nothing to rewrite")
	}

	entries, err := report.Summarize(chain)
	if err != nil {
		return err
	}
	if err = report.WriteLines(context.App.Writer, entries); err != nil {
		return err
	}
	if cfg.CSVPath != "" {
		return writeCSV(cfg.CSVPath, entries)
	}
	return nil
}

func writeCSV(path string, entries []report.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return punchzero.ErrIO.Wrap(err)
	}

	err = report.WriteCSV(file, entries)
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = punchzero.ErrIO.Wrap(closeErr)
	}
	return err
}

// Package main provides the coreg coordinator CLI.
//
// Usage:
//
//	coreg serve    [--config FILE] [--listen ADDR] [--http ADDR]
//	coreg evaluate --train DIR --test DIR --estimates DIR [--plot FILE]
//	coreg version
//
// Exit codes:
//   - 0: success
//   - 1: runtime or configuration failure
//   - 2: evaluation input missing, empty or malformed
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Runner executes the CLI commands; the CLI only parses flags
type Runner interface {
	RunService(opts ServeOptions) error
	RunEvaluate(opts EvalOptions) error
}

// ServeOptions are the flags of the serve command
type ServeOptions struct {
	ConfigFile string
	Listen     string
	HTTPListen string
	LogLevel   string
	Resume     bool
}

// EvalOptions are the flags of the evaluate command
type EvalOptions struct {
	ConfigFile      string
	TrainDir        string
	TestDir         string
	EstimateDir     string
	TrainMask       string
	TestMask        string
	EstimateMask    string
	PlotFile        string
	Representatives int
	PruneRadius     float64
	Seed            int64
	JSON            bool
	LogLevel        string
}

func main() {
	if err := run(os.Args, os.Stdout, NewApp(os.Stdout)); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// run builds the CLI around app and executes it with args (args[0] is the
// program name)
func run(args []string, out io.Writer, app Runner) error {
	return newCLI(out, app).Run(args)
}

func newCLI(out io.Writer, app Runner) *cli.App {
	return &cli.App{
		Name:           "coreg",
		Usage:          "Collaborative registration coordinator",
		Version:        Version,
		Writer:         out,
		ErrWriter:      out,
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(app),
			evaluateCommand(app),
			versionCommand(out),
		},
	}
}

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file (defaults apply when unset)",
		EnvVars: []string{"COREG_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error (overrides config)",
	}
)

func serveCommand(app Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a collaborative session: agent transport, MQTT bridge and HTTP status",
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
			&cli.StringFlag{Name: "listen", Usage: "Agent transport listen address (overrides config)"},
			&cli.StringFlag{Name: "http", Usage: "HTTP status listen address (overrides config)"},
			&cli.BoolFlag{Name: "resume", Usage: "Restore accepted transforms from the cache"},
		},
		Action: func(c *cli.Context) error {
			return app.RunService(ServeOptions{
				ConfigFile: c.String("config"),
				Listen:     c.String("listen"),
				HTTPListen: c.String("http"),
				LogLevel:   c.String("log-level"),
				Resume:     c.Bool("resume"),
			})
		},
	}
}

func evaluateCommand(app Runner) *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "Classify relocalisation estimates against ground truth by difficulty tier",
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
			&cli.StringFlag{Name: "train", Usage: "Directory of ground-truth training poses", Required: true},
			&cli.StringFlag{Name: "test", Usage: "Directory of ground-truth test poses", Required: true},
			&cli.StringFlag{Name: "estimates", Usage: "Directory of estimated test poses", Required: true},
			&cli.StringFlag{Name: "train-mask", Usage: "File name mask of training poses (overrides config)"},
			&cli.StringFlag{Name: "test-mask", Usage: "File name mask of test poses (overrides config)"},
			&cli.StringFlag{Name: "estimate-mask", Usage: "File name mask of estimates (overrides config)"},
			&cli.StringFlag{Name: "plot", Usage: "Write a top-down plot (.svg or .png)"},
			&cli.IntFlag{Name: "representatives", Value: -1, Usage: "Representatives per bin (overrides config)"},
			&cli.Float64Flag{Name: "prune-radius", Value: -1, Usage: "Near-duplicate radius (overrides config)"},
			&cli.Int64Flag{Name: "seed", Usage: "Shuffle seed for representatives (0 keeps file order)"},
			&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
		},
		Action: func(c *cli.Context) error {
			err := app.RunEvaluate(EvalOptions{
				ConfigFile:      c.String("config"),
				TrainDir:        c.String("train"),
				TestDir:         c.String("test"),
				EstimateDir:     c.String("estimates"),
				TrainMask:       c.String("train-mask"),
				TestMask:        c.String("test-mask"),
				EstimateMask:    c.String("estimate-mask"),
				PlotFile:        c.String("plot"),
				Representatives: c.Int("representatives"),
				PruneRadius:     c.Float64("prune-radius"),
				Seed:            c.Int64("seed"),
				JSON:            c.Bool("json"),
				LogLevel:        c.String("log-level"),
			})
			if errors.Is(err, errEvaluationInput) {
				return cli.Exit(err.Error(), 2)
			}
			return err
		},
	}
}

func versionCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(*cli.Context) error {
			fmt.Fprintf(out, "coreg version: %s\n", Version)
			return nil
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() returns "exit status N"
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwv/coreg/collab"
	"github.com/kwv/coreg/logging"
)

// errEvaluationInput marks evaluate failures caused by a missing, empty or
// malformed pose sequence
var errEvaluationInput = errors.New("evaluation input")

// App encapsulates one coordinator session and its dependencies
type App struct {
	out io.Writer

	Config     *collab.Config
	Logger     *zap.Logger
	Metrics    *collab.Counters
	Session    *collab.Context
	Estimator  *collab.Estimator
	Dispatcher *collab.Dispatcher
	Server     *collab.Server
	Bridge     *collab.MQTTBridge
	Publisher  *collab.Publisher

	transportLn net.Listener
	httpLn      net.Listener
	httpServer  *http.Server
}

// NewApp creates an App printing its summaries to out
func NewApp(out io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	return &App{out: out}
}

// loadConfig reads path over the defaults, or the defaults alone when path
// is empty
func loadConfig(path string) (*collab.Config, error) {
	if path == "" {
		cfg := collab.DefaultConfig()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return collab.LoadConfig(path)
}

// RunService runs a session until SIGINT or SIGTERM
func (a *App) RunService(opts ServeOptions) error {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Listen != "" {
		cfg.Transport.Listen = opts.Listen
	}
	if opts.HTTPListen != "" {
		cfg.HTTP.Listen = opts.HTTPListen
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Resume {
		cfg.Persistence.Resume = true
		if cfg.Persistence.AcceptedCache == "" {
			cfg.Persistence.AcceptedCache = collab.DefaultAcceptedCachePath
		}
	}

	if err := a.Setup(cfg); err != nil {
		return err
	}
	a.printServiceInfo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := a.Serve(ctx)
	if err := a.Shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Setup builds every component of a session from cfg and opens its
// listeners. A preset Logger is kept.
func (a *App) Setup(cfg *collab.Config) error {
	a.Config = cfg

	sessionID := cfg.Session.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if a.Logger == nil {
		logger, err := logging.New(os.Stderr, cfg.Log.Level, sessionID)
		if err != nil {
			return err
		}
		a.Logger = logger
	}

	a.Metrics = collab.NewCounters()
	a.Session = collab.NewContext(sessionID, a.Logger, a.Metrics)

	estimator, err := collab.NewEstimator(a.Session, cfg.EstimatorConfig(), a.Logger, a.Metrics)
	if err != nil {
		return err
	}
	a.Estimator = estimator
	if cfg.Persistence.Resume {
		if err := a.restore(cfg.Persistence.AcceptedCache); err != nil {
			return err
		}
	}

	a.Dispatcher = collab.NewDispatcher(a.Session, collab.RenderHandlerFunc(a.handleRenderingRequest), a.Logger, a.Metrics)
	a.Server = collab.NewServer(cfg.TransportConfig(), a.Dispatcher, a.Logger, a.Metrics)
	a.Estimator.OnAccepted(a.Server.NotifyAccepted)

	bridge, err := collab.NewMQTTBridge(cfg.MQTT, a.Session, a.Logger, a.Metrics)
	if err != nil {
		return err
	}
	if bridge != nil {
		a.Bridge = bridge
		a.Publisher = collab.NewPublisher(bridge.Client(), cfg.MQTT.PublishPrefix, a.Logger)
		a.Publisher.SetQoS(cfg.MQTT.QoS)
		a.Estimator.OnAccepted(a.Publisher.OnAccepted)
	}

	if cfg.Transport.Listen != "" {
		ln, err := a.Server.Listen(cfg.Transport.Listen)
		if err != nil {
			return err
		}
		a.transportLn = ln
	}
	if cfg.HTTP.Listen != "" {
		ln, err := net.Listen("tcp", cfg.HTTP.Listen)
		if err != nil {
			if a.transportLn != nil {
				a.transportLn.Close()
			}
			return fmt.Errorf("listen on %s: %w", cfg.HTTP.Listen, err)
		}
		a.httpLn = ln
		a.httpServer = &http.Server{
			Handler:           newHTTPServer(a.Session, a.Metrics, a.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// restore seeds the estimator with the accepted transforms of a previous
// session. A missing cache is not an error.
func (a *App) restore(path string) error {
	cache, err := collab.LoadAcceptedCache(path)
	if err != nil {
		return fmt.Errorf("failed to restore accepted transforms: %w", err)
	}
	if cache == nil {
		a.Logger.Info("no accepted transform cache to restore", zap.String("path", path))
		return nil
	}
	a.Estimator.Seed(cache.Transforms)
	a.Logger.Info("restored accepted transforms",
		zap.String("path", path),
		zap.String("previous_session", cache.SessionID),
		zap.Int("count", len(cache.Transforms)))
	return nil
}

// handleRenderingRequest is the coordinator's render collaborator. The
// coordinator holds no scene model, so requests are only recorded.
func (a *App) handleRenderingRequest(agent string, pose collab.Pose) error {
	a.Logger.Debug("rendering request",
		zap.String("agent", agent),
		zap.Float64s("translation", []float64{pose.Translation.X, pose.Translation.Y, pose.Translation.Z}))
	return nil
}

// TransportAddr returns the bound agent transport address, or "" when the
// transport is disabled
func (a *App) TransportAddr() string {
	if a.transportLn == nil {
		return ""
	}
	return a.transportLn.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled
func (a *App) HTTPAddr() string {
	if a.httpLn == nil {
		return ""
	}
	return a.httpLn.Addr().String()
}

// Serve runs the consensus loop, transport, MQTT bridge and HTTP server
// until ctx is cancelled or one of them fails. It returns the first failure.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	var wg sync.WaitGroup
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	run("consensus", func() error { return a.Estimator.Run(ctx) })
	if a.transportLn != nil {
		ln := a.transportLn
		run("transport", func() error { return a.Server.Serve(ctx, ln) })
	}
	if a.httpServer != nil {
		run("http", func() error {
			stop := context.AfterFunc(ctx, func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = a.httpServer.Shutdown(shutdownCtx)
			})
			defer stop()
			if err := a.httpServer.Serve(a.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if a.Bridge != nil {
		a.Bridge.Start(ctx)
	}

	<-ctx.Done()
	a.Logger.Info("shutting down")
	wg.Wait()
	close(errc)
	return <-errc
}

// Shutdown closes every peer connection, discards provisional clusters,
// closes the session and saves the accepted transforms when a cache is
// configured.
func (a *App) Shutdown() error {
	if a.Server != nil {
		a.Server.Close()
	}
	if a.Estimator != nil {
		a.Estimator.Discard()
	}

	var err error
	if a.Session != nil {
		accepted := a.Session.AcceptedTransforms()
		a.Session.Close()
		if path := a.Config.Persistence.AcceptedCache; path != "" {
			if err = collab.SaveAcceptedCache(path, a.Session.ID(), accepted); err != nil {
				a.Logger.Error("failed to save accepted transforms", zap.Error(err))
			} else {
				a.Logger.Info("saved accepted transforms", zap.String("path", path), zap.Int("count", len(accepted)))
			}
		}
	}
	if a.Bridge != nil {
		a.Bridge.Disconnect()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return err
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.out, "Starting coreg session...")
	fmt.Fprintf(a.out, "  Session:   %s\n", a.Session.ID())
	fmt.Fprintf(a.out, "  Threshold: %d supporting candidates\n", a.Config.Session.SupportThreshold)
	fmt.Fprintf(a.out, "  Tiers:     %d (tightest %s, loosest %s)\n",
		len(a.Config.Tiers), a.Config.Tiers[0], a.Config.Tiers[len(a.Config.Tiers)-1])
	if addr := a.TransportAddr(); addr != "" {
		fmt.Fprintf(a.out, "  Transport: %s\n", addr)
	}
	if addr := a.HTTPAddr(); addr != "" {
		fmt.Fprintf(a.out, "  HTTP:      http://%s/health\n", addr)
	}
	if a.Bridge != nil {
		fmt.Fprintf(a.out, "  MQTT:      %s (%s)\n", a.Config.MQTT.Broker, strings.Join(a.Bridge.Topics(), ", "))
	}
	if a.Config.Persistence.AcceptedCache != "" {
		fmt.Fprintf(a.out, "  Cache:     %s\n", a.Config.Persistence.AcceptedCache)
	}
}

// RunEvaluate classifies relocalisation estimates and prints a per-tier
// report, optionally writing a plot
func (a *App) RunEvaluate(opts EvalOptions) error {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyEvalOptions(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if a.Logger == nil {
		level := cfg.Log.Level
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		logger, err := logging.New(os.Stderr, level, "")
		if err != nil {
			return err
		}
		a.Logger = logger
	}
	log := a.Logger.Sugar().Named("evaluate")
	ev := cfg.Evaluation

	train, err := readSequence("training", opts.TrainDir, ev.TrainMask)
	if err != nil {
		return err
	}
	test, err := readSequence("test", opts.TestDir, ev.TestMask)
	if err != nil {
		return err
	}
	estimates, err := readSequence("estimate", opts.EstimateDir, ev.EstimateMask)
	if err != nil {
		return err
	}
	log.Infof("loaded %d training, %d test and %d estimated poses", len(train), len(test), len(estimates))

	if len(test) != len(estimates) {
		n := min(len(test), len(estimates))
		log.Warnf("test and estimate sequences differ in length (%d vs %d), classifying the first %d",
			len(test), len(estimates), n)
		test, estimates = test[:n], estimates[:n]
	}

	result, err := collab.Classify(train, test, estimates, cfg.EvalConfig())
	if err != nil {
		return err
	}

	var rng *rand.Rand
	if ev.Seed != 0 {
		rng = rand.New(rand.NewSource(ev.Seed))
	}
	report := result.Report(ev.PruneRadius, ev.Representatives, rng)

	if opts.JSON {
		if err := writeReportJSON(a.out, result, report); err != nil {
			return err
		}
	} else {
		printReport(a.out, result, report)
	}

	if opts.PlotFile != "" {
		plane, err := collab.ParsePlane(ev.Plane)
		if err != nil {
			return err
		}
		if err := writePlot(opts.PlotFile, collab.NewEvalPlot(train, result, plane)); err != nil {
			return err
		}
		log.Infof("wrote plot to %s", opts.PlotFile)
	}
	return nil
}

func applyEvalOptions(cfg *collab.Config, opts EvalOptions) {
	ev := &cfg.Evaluation
	if opts.TrainMask != "" {
		ev.TrainMask = opts.TrainMask
	}
	if opts.TestMask != "" {
		ev.TestMask = opts.TestMask
	}
	if opts.EstimateMask != "" {
		ev.EstimateMask = opts.EstimateMask
	}
	if opts.Representatives >= 0 {
		ev.Representatives = opts.Representatives
	}
	if opts.PruneRadius >= 0 {
		ev.PruneRadius = opts.PruneRadius
	}
	if opts.Seed != 0 {
		ev.Seed = opts.Seed
	}
}

// readSequence reads one pose sequence; missing, malformed and empty
// sequences are evaluation input errors
func readSequence(kind, dir, mask string) ([]collab.Pose, error) {
	poses, err := collab.ReadSequence(dir, mask)
	if err != nil {
		if errors.Is(err, collab.ErrMissingPoseFile) || errors.Is(err, collab.ErrMalformedPoseFile) {
			return nil, fmt.Errorf("%w: %s sequence: %w", errEvaluationInput, kind, err)
		}
		return nil, err
	}
	if len(poses) == 0 {
		return nil, fmt.Errorf("%w: no %s poses matching %s in %s", errEvaluationInput, kind, mask, dir)
	}
	return poses, nil
}

func printReport(w io.Writer, result *collab.Classification, report []collab.BinReport) {
	fmt.Fprintf(w, "Estimates: %d total, %d accurate, %d discarded\n\n",
		result.Total, result.Scored(), len(result.Discarded))
	fmt.Fprintf(w, "%-12s %8s %8s  %s\n", "TIER", "COUNT", "PRUNED", "REPRESENTATIVES")
	for _, bin := range report {
		reps := make([]string, len(bin.Representatives))
		for i, e := range bin.Representatives {
			reps[i] = fmt.Sprintf("%d", e.Index)
		}
		fmt.Fprintf(w, "%-12s %8d %8d  %s\n", bin.Label(), bin.Count, bin.Pruned, strings.Join(reps, " "))
	}
}

func writeReportJSON(w io.Writer, result *collab.Classification, report []collab.BinReport) error {
	out := struct {
		Total     int                `json:"total"`
		Accurate  int                `json:"accurate"`
		Discarded []int              `json:"discarded"`
		Bins      []collab.BinReport `json:"bins"`
	}{
		Total:     result.Total,
		Accurate:  result.Scored(),
		Discarded: result.Discarded,
		Bins:      report,
	}
	if out.Discarded == nil {
		out.Discarded = []int{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// writePlot renders the plot as SVG or PNG according to the file extension
func writePlot(path string, plot *collab.EvalPlot) error {
	render := plot.RenderSVG
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".svg":
	case ".png":
		render = plot.RenderPNG
	default:
		return fmt.Errorf("unsupported plot format %q (use .svg or .png)", ext)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating plot file: %w", err)
	}
	defer f.Close()
	if err := render(f); err != nil {
		return fmt.Errorf("rendering plot: %w", err)
	}
	return f.Close()
}

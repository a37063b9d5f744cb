// Command minuit2pd is the process entrypoint for every image in the
// master/queue/worker topology: it is re-exec'd by taskmanager.Bootstrap
// itself, once per child, so the same binary plays all three roles. It
// demonstrates wiring a gradientjob.Job through the task manager end to
// end; it is not a production minimizer front-end.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/rootgo/minuit2p/gradient"
	"github.com/rootgo/minuit2p/gradientjob"
	"github.com/rootgo/minuit2p/taskmanager"
)

var (
	appName = "minuit2pd"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:   "num-workers",
			Value:  4,
			EnvVar: "NUM_WORKERS",
			Usage:  "The number of worker processes to fork",
		},
		cli.IntFlag{
			Name:   "num-params",
			Value:  8,
			EnvVar: "NUM_PARAMS",
			Usage:  "The dimensionality of the demo objective function",
		},
		cli.IntFlag{
			Name:   "iterations",
			Value:  5,
			EnvVar: "ITERATIONS",
			Usage:  "The number of Compute rounds to run before shutting down",
		},
		cli.BoolFlag{
			Name:   "pin-to-cpus",
			EnvVar: "PIN_TO_CPUS",
			Usage:  "Pin master/queue/worker processes to distinct CPUs",
		},
	}
	app.Action = runMain
	return app
}

// registerJobs is run identically in every process image (master, queue,
// every worker), per taskmanager.Bootstrap's contract: deterministic job
// construction is what lets a re-exec'd process substitute for the
// shared-memory job table a real fork() would have inherited. The
// strategy and parameter settings are synchronized here, not after
// Bootstrap, for the same reason: every replica must agree on them.
func registerJobs(n int) func(*taskmanager.Manager) error {
	return func(mgr *taskmanager.Manager) error {
		kernel := gradient.NewKernel()
		gj, err := gradientjob.NewJob(mgr, kernel, n, demoObjective)
		if err != nil {
			return err
		}

		settings := make([]gradient.ParameterSettings, n)
		for i := range settings {
			settings[i] = gradient.ParameterSettings{Name: fmt.Sprintf("p%d", i), Value: 0, Step: 0.1}
		}
		gj.SynchronizeWithMinimizer(1.0, gradient.DefaultStrategy())
		return gj.SynchronizeParameterSettings(settings)
	}
}

// demoObjective is a separable quadratic with a unique minimum at
// x_i = i, used purely to exercise the pipeline end to end; it has no
// relation to any scientific model.
func demoObjective(x []float64) float64 {
	sum := 0.0
	for i, xi := range x {
		d := xi - float64(i)
		sum += d * d
	}
	return sum
}

func runMain(appCtx *cli.Context) error {
	n := appCtx.Int("num-params")
	if n <= 0 {
		return xerrors.Errorf("num-params must be >= 1")
	}

	cfg := taskmanager.Config{
		NumWorkers: appCtx.Int("num-workers"),
		PinToCPUs:  appCtx.Bool("pin-to-cpus"),
		Logger:     logger,
	}

	mgr, err := taskmanager.Bootstrap(cfg, registerJobs(n))
	if err != nil {
		return xerrors.Errorf("bootstrap: %w", err)
	}
	// Bootstrap returns only in the master image; queue/worker images run
	// their loops forever inside Bootstrap and never reach here.

	gj, ok := firstGradientJob(mgr)
	if !ok {
		return xerrors.Errorf("no gradientjob registered")
	}

	x := make([]float64, n)

	iterations := appCtx.Int("iterations")
	grad := make([]float64, n)
	for round := 0; round < iterations; round++ {
		if err := gj.Compute(x); err != nil {
			_ = mgr.Shutdown()
			return xerrors.Errorf("compute round %d: %w", round, err)
		}
		if err := gj.FillGradient(grad); err != nil {
			_ = mgr.Shutdown()
			return xerrors.Errorf("fill gradient round %d: %w", round, err)
		}
		logger.WithFields(logrus.Fields{"round": round, "gradient": grad}).Info("minuit2pd: gradient computed")

		// A trivial steepest-descent step, just to advance x between
		// rounds and give later Compute calls a different point.
		for i := range x {
			x[i] -= 0.1 * grad[i]
		}
	}

	return mgr.Shutdown()
}

func firstGradientJob(mgr *taskmanager.Manager) (*gradientjob.Job, bool) {
	stats := mgr.Stats()
	if stats.JobCount == 0 {
		return nil, false
	}
	// job_id 0 is always assigned first by registerJobs, since this demo
	// registers exactly one job per process.
	j, ok := mgr.JobByID(0)
	if !ok {
		return nil, false
	}
	gj, ok := j.(*gradientjob.Job)
	return gj, ok
}

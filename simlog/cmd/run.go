package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sarchlab/simlog/config"
	"github.com/sarchlab/simlog/eventlog"
	"github.com/sarchlab/simlog/logging"
	"github.com/sarchlab/simlog/monitoring"
	"github.com/sarchlab/simlog/simulation"
	"github.com/sarchlab/simlog/state"
)

func newRunCmd() *cobra.Command {
	params := scenarioParams{}

	runCmd := &cobra.Command{
		Use:       "run <scenario>",
		Short:     "Run a bundled simulation and write its event log.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: scenarioNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, args[0], params)
		},
	}

	flags := runCmd.Flags()
	flags.IntVar(&params.patients, "patients", 10, "hospital: number of patients")
	flags.IntVar(&params.desks, "desks", 1, "hospital: number of reception desks")
	flags.Uint64Var(&params.seed, "seed", 0, "hospital: random seed, 0 for a random one")
	flags.IntVar(&params.orders, "orders", 3, "orders: number of orders, one per second")
	flags.Float64Var(&params.shippingDelay, "shipping-delay", 5,
		"orders: seconds between placing and shipping an order")
	flags.String("backend", "", "event log backend (json, sqlite, postgres)")
	flags.StringP("out", "o", "", "event log file")
	flags.String("dsn", "", "postgres connection string")
	flags.Float64("until", 0, "stop before the first event after this simulated time")
	flags.Bool("monitor", false, "serve the run monitor over HTTP")
	flags.Int("port", 0, "monitor port, 0 for a random one")
	flags.Bool("open-browser", false, "open the monitor in the browser")

	return runCmd
}

// applyRunFlags overrides the loaded config with the flags set on the
// command line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("backend") {
		cfg.Sink.Backend, _ = flags.GetString("backend")
	}

	if flags.Changed("out") {
		cfg.Sink.Path, _ = flags.GetString("out")
	}

	if flags.Changed("dsn") {
		cfg.Sink.DSN, _ = flags.GetString("dsn")
	}

	if flags.Changed("until") {
		cfg.HorizonTime, _ = flags.GetFloat64("until")
	}

	if flags.Changed("monitor") {
		cfg.Monitor.Enabled, _ = flags.GetBool("monitor")
	}

	if flags.Changed("port") {
		cfg.Monitor.Port, _ = flags.GetInt("port")
	}

	if flags.Changed("open-browser") {
		cfg.Monitor.OpenBrowser, _ = flags.GetBool("open-browser")
	}
}

func runScenario(cmd *cobra.Command, name string, params scenarioParams) error {
	sc, err := lookupScenario(name)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	applyRunFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Dev, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sim, err := cfg.Apply(simulation.NewBuilder()).
		WithLogger(logger).
		WithTopicSpecs(sc.topics...).
		Build(ctx)
	if err != nil {
		return err
	}

	logging.Attach(sim.Interceptor(), logger)

	store := state.NewStore()

	summarize, err := sc.setup(sim, store, params)
	if err != nil {
		return errors.Join(err, sim.Close(ctx))
	}

	if cfg.Monitor.Enabled {
		m, err := startMonitor(cmd, cfg, sim, store)
		if err != nil {
			return errors.Join(err, sim.Close(ctx))
		}

		defer func() { _ = m.Shutdown(context.Background()) }()
	}

	report, runErr := sim.Run(ctx)
	if report != nil {
		printReport(cmd.OutOrStdout(), report, sim.Backend())
		summarize(cmd.OutOrStdout())
	}

	return runErr
}

func startMonitor(
	cmd *cobra.Command,
	cfg *config.Config,
	sim *simulation.Simulation,
	store *state.Store,
) (*monitoring.Monitor, error) {
	m := monitoring.NewMonitor(sim.Logger()).WithPortNumber(cfg.Monitor.Port)
	m.RegisterSimulation(sim)
	m.RegisterStore(store)
	m.TrackRun(cfg.HorizonEvents)

	url, err := m.StartServer()
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Monitor: %s\n", url)

	if cfg.Monitor.OpenBrowser {
		if err := m.OpenBrowser(); err != nil {
			logger := sim.Logger()
			logger.Warn().Err(err).Msg("cannot open browser")
		}
	}

	return m, nil
}

func printReport(w io.Writer, r *simulation.RunReport, backend eventlog.Backend) {
	fmt.Fprintf(w, "run %s %s: %s\n", r.RunID, r.Status, r.Reason)
	fmt.Fprintf(w, "%d events, %d steps, end time %.2fs, %d pending\n",
		r.Events, r.Steps, r.EndTime, r.Pending)

	if r.HasWatermark {
		fmt.Fprintf(w, "durable up to event %d\n", r.Watermark)
	}

	if p, ok := backend.(interface{ Path() string }); ok && p.Path() != "" {
		fmt.Fprintf(w, "event log: %s\n", p.Path())
	}

	for _, f := range r.FailureList() {
		fmt.Fprintf(w, "failure: %v\n", f)
	}

	for _, err := range r.FlushErrors {
		fmt.Fprintf(w, "flush error: %v\n", err)
	}
}

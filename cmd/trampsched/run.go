package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trampsched/internal/arch/sim"
	"trampsched/internal/future"
	"trampsched/internal/job"
	"trampsched/internal/kernel"
	"trampsched/internal/sched"
	"trampsched/internal/syscall"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the runtime and run the demo workload",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.String("config", "config.yml", "config file (.yml/.yaml or .toml)")
	f.String("policy", "", "override scheduling policy (fifo|rr|cfs|moic)")
	f.Int("cpus", 0, "override CPU count")
	f.Bool("preempt", false, "enable kernel preemption")
	f.String("csv", "", "write status events as CSV to this file")
	f.String("trace", "", "write status events as msgpack to this file")
	f.Bool("ticks", false, "print timer ticks")
	f.Bool("realtime", false, "pace idle CPUs on the wall clock")
	f.Int("sleepers", 2, "sleeping kernel tasks")
	f.Int("spinners", 2, "spinning kernel tasks")
	f.Int("pingpong", 4, "ping-pong rounds (0 disables)")
	f.Int("users", 1, "user processes")
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

func runRun(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	log, err := newLogger(cmd)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// Read the configuration
	path, _ := flags.GetString("config")
	cfg, err := sched.LoadFile(path)
	if err != nil {
		log.Warn("using default config", zap.String("path", path), zap.Error(err))
		cfg = sched.DefaultConfig()
	}
	if p, _ := flags.GetString("policy"); p != "" {
		cfg.Policy = p
	}
	if n, _ := flags.GetInt("cpus"); n > 0 {
		cfg.CPUs = n
	}
	if flags.Changed("preempt") {
		cfg.Preempt, _ = flags.GetBool("preempt")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info("loaded config", zap.Any("config", cfg))

	events := sched.NewEventLog(os.Stdout)
	defer func() {
		if err := events.Close(); err != nil {
			log.Warn("close event log", zap.Error(err))
		}
	}()
	ticks, _ := flags.GetBool("ticks")
	events.ShowTicks(ticks)
	if p, _ := flags.GetString("csv"); p != "" {
		if err := events.EnableCSVLogging(p); err != nil {
			return err
		}
	}
	if p, _ := flags.GetString("trace"); p != "" {
		if err := events.EnableTrace(p); err != nil {
			return err
		}
	}

	realtime, _ := flags.GetBool("realtime")
	m := sim.New(sim.Options{CPUs: cfg.CPUs, Tick: cfg.Tick(), Realtime: realtime})
	defer m.Terminate(0)

	table := syscall.NewTable(os.Stdout, log.Named("syscall"))
	rt, err := kernel.New(kernel.Options{
		Config:   cfg,
		Machine:  m,
		Syscalls: table,
		Logger:   log.Named("kernel"),
		Events:   events.Handle,
	})
	if err != nil {
		return err
	}
	table.Bind(rt)

	var mix job.Mix
	mix.Sleepers, _ = flags.GetInt("sleepers")
	mix.Spinners, _ = flags.GetInt("spinners")
	mix.PingPong, _ = flags.GetInt("pingpong")
	mix.Users, _ = flags.GetInt("users")
	rt.SpawnInit(&sched.CoroutineBody{Fut: future.Go(job.Init(rt, m, mix))})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info("finished",
		zap.Int32("exit_code", rt.ExitCode()),
		zap.Int64("jiffies", rt.Jiffies()),
		zap.Duration("machine_time", m.CurrentTime()))
	if code := rt.ExitCode(); code != 0 {
		return fmt.Errorf("init exited with %d", code)
	}
	return nil
}

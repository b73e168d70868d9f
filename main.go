// Program timedrive runs the TimeDrive gateway: an HTTP front end that keeps a
// virtual playback clock per user and rewrites data requests so they fetch
// the window that clock points at.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"timedrive/admin"
	"timedrive/buffer"
	"timedrive/config"
	"timedrive/gateway"
	"timedrive/internal/supervisor"
	"timedrive/logging"
	"timedrive/metrics"
	"timedrive/session"
	"timedrive/stats"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// flagValues holds the command line; only flags the user set override the
// config file.
type flagValues struct {
	configPath     string
	debug          int
	multiuser      string
	passThrough    bool
	syncChannel    string
	port           int
	secureRedirect bool
	downstream     string
	admin          string
	ui             string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// Purpose: Build the timedrive command.
// Key aspects: -P and -S cannot be combined; flags only override the config
// file when set explicitly.
// Upstream: main.
// Downstream: loadConfig, run.
func newRootCmd() *cobra.Command {
	var fv flagValues
	cmd := &cobra.Command{
		Use:          "timedrive",
		Short:        "Time-munging HTTP gateway for streaming data servers",
		Long:         "timedrive keeps a playback clock per user and rewrites data requests to the time window that clock selects, redirecting or proxying them to the data server.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), fv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	bindFlags(cmd.Flags(), &fv)
	cmd.MarkFlagsMutuallyExclusive("pass-through", "secure-redirect")

	return cmd
}

// Purpose: Declare the command-line flags.
// Key aspects: Keeps the historical short flags (-d -m -P -r -s -S -u).
// Upstream: newRootCmd.
// Downstream: pflag.
func bindFlags(f *pflag.FlagSet, fv *flagValues) {
	f.StringVar(&fv.configPath, "config", config.DefaultPath, "config file or directory of *.yaml files")
	f.IntVarP(&fv.debug, "debug", "d", 0, "debug level: 0 info, 1-2 debug, 3+ trace")
	f.StringVarP(&fv.multiuser, "multiuser", "m", "combo", "session identity: 1|off, 2|ip, 3|auth, 4|combo")
	f.BoolVarP(&fv.passThrough, "pass-through", "P", false, "proxy munged data requests instead of redirecting")
	f.StringVarP(&fv.syncChannel, "sync-channel", "r", "", "initial sync channel echoed in munge bodies")
	f.IntVarP(&fv.port, "port", "s", 4000, "listen port")
	f.BoolVarP(&fv.secureRedirect, "secure-redirect", "S", false, "redirect with https")
	f.StringVarP(&fv.downstream, "downstream", "u", "", "data server host[:port]; empty uses the request's own host")
	f.StringVar(&fv.admin, "admin", "", "admin listen address, e.g. 127.0.0.1:4001")
	f.StringVar(&fv.ui, "ui", "auto", "console: auto, headless or tview")
}

// Purpose: Resolve the effective configuration.
// Key aspects: File first, then only the flags the user changed, then
// validation of the merged result.
// Upstream: newRootCmd RunE.
// Downstream: config.LoadOrDefault, config.Config.Validate.
func loadConfig(flags *pflag.FlagSet, fv flagValues) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(fv.configPath)
	if err != nil {
		return nil, err
	}
	if flags.Changed("debug") {
		cfg.Logging.Debug = fv.debug
	}
	if flags.Changed("multiuser") {
		cfg.Identity.Mode = strings.ToLower(strings.TrimSpace(fv.multiuser))
	}
	if flags.Changed("pass-through") {
		cfg.Downstream.PassThrough = fv.passThrough
	}
	if flags.Changed("sync-channel") {
		cfg.Server.SyncChannel = fv.syncChannel
	}
	if flags.Changed("port") {
		cfg.Server.Port = fv.port
	}
	if flags.Changed("secure-redirect") {
		cfg.Downstream.SecureRedirect = fv.secureRedirect
	}
	if flags.Changed("downstream") {
		cfg.Downstream.Address = fv.downstream
	}
	if flags.Changed("admin") {
		cfg.Admin.Address = fv.admin
	}
	if flags.Changed("ui") {
		cfg.UI.Mode = strings.ToLower(strings.TrimSpace(fv.ui))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logLevel lets a non-zero -d win over the configured level name.
func logLevel(cfg config.LoggingConfig) string {
	if cfg.Debug > 0 || cfg.Level == "" {
		return logging.LevelForDebug(cfg.Debug)
	}
	return cfg.Level
}

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Decide whether the tview console runs.
// Key aspects: tview needs a TTY even when requested explicitly; the reason
// string is logged at startup.
// Upstream: run.
// Downstream: None.
func dashboardWanted(mode string, tty bool) (bool, string) {
	switch mode {
	case "headless":
		return false, "UI disabled (mode=headless)"
	case "tview":
		if !tty {
			return false, "UI disabled (tview requires an interactive console)"
		}
		return true, "UI enabled (mode=tview)"
	}
	if tty {
		return true, "UI enabled (interactive console)"
	}
	return false, "UI disabled (no interactive console)"
}

// Purpose: Start the gateway and its supporting services, then block until
// a signal or a fatal supervisor exit.
// Key aspects: Logging comes up first; the listener binds before the
// supervisor so a taken port fails startup.
// Upstream: newRootCmd RunE.
// Downstream: setupLogging, gateway.NewServer, supervisor.Tree.Serve.
func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	useDashboard, uiReason := dashboardWanted(cfg.UI.Mode, isStdoutTTY())

	fanout, logErr := setupLogging(cfg.Logging, os.Stderr)
	defer fanout.Close()
	logging.Init(logging.Config{
		Level:     logLevel(cfg.Logging),
		Format:    cfg.Logging.Format,
		Timestamp: true,
		Caller:    cfg.Logging.Debug >= 3,
		NoColor:   useDashboard || cfg.Logging.File,
		Output:    fanout,
	})
	log := logging.Component("main")
	if logErr != nil {
		log.Warn().Err(logErr).Msg("File logging disabled")
	}

	var ui uiSurface
	if useDashboard {
		d := newDashboard()
		d.WaitReady()
		defer d.Stop()
		fanout.SetConsoleSink(d.SystemWriter())
		d.SetStats([]string{"Initializing..."})
		ui = d
	}
	log.Info().Msg(uiReason)

	mode, err := session.ParseMode(cfg.Identity.Mode)
	if err != nil {
		return err
	}
	store := session.NewStore(session.Options{
		SyncChannel: cfg.Server.SyncChannel,
		OnCreate:    func(total int) { metrics.Sessions.Set(float64(total)) },
	})
	tracker := stats.NewTracker()
	recent := buffer.NewRingBuffer(cfg.Server.RecentRequests)

	gw, err := gateway.NewServer(gateway.ServerOptions{
		Port:           cfg.Server.Port,
		BindAddress:    cfg.Server.BindAddress,
		AcceptTimeout:  millis(cfg.Server.AcceptTimeoutMS),
		ReadTimeout:    millis(cfg.Server.ReadTimeoutMS),
		MaxConnections: cfg.Server.MaxConnections,
		IdentityMode:   mode,
		Downstream:     cfg.Downstream.Address,
		PassThrough:    cfg.Downstream.PassThrough,
		SecureRedirect: cfg.Downstream.SecureRedirect,
		DialTimeout:    millis(cfg.Downstream.DialTimeoutMS),
		FetchTimeout:   millis(cfg.Downstream.FetchTimeoutMS),
		Store:          store,
		Stats:          tracker,
		Recent:         recent,
	})
	if err != nil {
		return err
	}

	log.Info().Msg("TimeDrive starting")
	for _, line := range cfg.Lines() {
		log.Info().Msg(line)
	}
	// Bind before supervising so a taken port fails startup instead of
	// spinning in restart backoff.
	if err := gw.Listen(); err != nil {
		return err
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddGatewayService(supervisor.NewGatewayService(gw))
	if cfg.Admin.Address != "" {
		adminSrv := admin.NewServer(cfg.Admin.Address, admin.Sources{
			Sessions:          store.Entries,
			Recent:            recent,
			Stats:             tracker,
			Active:            gw.Active,
			RequestsPerMinute: cfg.Admin.RequestsPerMinute,
		})
		tree.AddOpsService(supervisor.NewHTTPServerService("admin", adminSrv, 10*time.Second))
	}

	reporter := &statsReporter{
		tracker:      tracker,
		store:        store,
		recent:       recent,
		active:       gw.Active,
		ui:           ui,
		fanout:       fanout,
		fileInterval: time.Duration(cfg.UI.StatsIntervalS) * time.Second,
	}
	interval := reporter.fileInterval
	if ui != nil {
		interval = millis(cfg.UI.RefreshMS)
	}
	tree.AddOpsService(supervisor.NewTickerService("stats-reporter", interval, reporter.report))

	fanout.SetRotateHook(func(prevDate time.Time, prevPath, newPath string) {
		log.Info().Str("previous", prevPath).Str("current", newPath).Msg("Log file rotated")
		now := time.Now().UTC()
		for _, line := range tracker.SnapshotLines(store.Len()) {
			fanout.WriteFileOnlyLine(line, now)
		}
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			log.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	if ctx.Err() != nil {
		log.Info().Msg("TimeDrive stopped")
		return nil
	}
	return fmt.Errorf("supervisor exited: %w", err)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// statsReporter refreshes the dashboard panes, or logs the stats summary
// when headless. With a dashboard the summary goes to the log file only,
// at most once per fileInterval.
type statsReporter struct {
	tracker      *stats.Tracker
	store        *session.Store
	recent       *buffer.RingBuffer
	active       func() int64
	ui           uiSurface
	fanout       *logFanout
	fileInterval time.Duration
	lastFileAt   time.Time
	gc           gcPauseWindow
}

func (r *statsReporter) lines() []string {
	lines := r.tracker.SnapshotLines(r.store.Len())
	active := int64(0)
	if r.active != nil {
		active = r.active()
	}
	return append(lines,
		fmt.Sprintf("%s | Active connections: %d", formatUptimeLine(r.tracker.GetUptime()), active),
		r.gc.runtimeLine(),
	)
}

// Purpose: Publish one stats refresh.
// Key aspects: Headless logs the lines; with a dashboard the panes refresh on
// every tick and the log file gets the lines at most once per fileInterval.
// Upstream: stats-reporter TickerService.
// Downstream: uiSurface setters, logFanout.WriteFileOnlyLine.
func (r *statsReporter) report(now time.Time) {
	lines := r.lines()
	if r.ui == nil {
		log := logging.Component("stats")
		for _, line := range lines {
			log.Info().Msg(line)
		}
		return
	}
	r.ui.SetStats(lines)
	r.ui.SetSessions(formatSessionLines(r.store.Entries(), paneMaxLines))
	r.ui.SetRecent(formatRecentLines(r.recent.GetRecent(recentMaxRows)))
	if r.fileInterval > 0 && now.Sub(r.lastFileAt) >= r.fileInterval {
		r.lastFileAt = now
		for _, line := range lines {
			r.fanout.WriteFileOnlyLine(line, now)
		}
	}
}

func formatUptimeLine(uptime time.Duration) string {
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	return fmt.Sprintf("Uptime: %02d:%02d", hours, minutes)
}

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confbot/internal/clock"
	"confbot/internal/config"
	"confbot/internal/discord"
	"confbot/internal/ics"
	"confbot/internal/livestream"
	appLog "confbot/internal/log"
	"confbot/internal/metrics"
	"confbot/internal/notifier"
	"confbot/internal/render"
	"confbot/internal/schedule"
	"confbot/internal/web"
)

const version = "0.3.0"

type flagConfig struct {
	configPath string
	listen     string
	envPath    string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()

	if err := config.LoadEnv(flags.envPath); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envPath)
		os.Exit(1)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.Log.Level = "debug"
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	if err := appLog.Setup(appLog.Options{
		Level: appLog.ParseLevel(conf.Log.Level),
		JSON:  conf.Log.JSON,
		File:  conf.Log.File,
	}); err != nil {
		appLog.Error("failed to set up logging", err, "file", conf.Log.File)
		os.Exit(1)
	}
	defer appLog.Close()

	appLog.Info("confbot starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"sources", len(conf.Schedule.Sources),
		"rooms", len(conf.Rooms),
		"main_channel", conf.Notify.MainChannel,
		"window", conf.Schedule.Window.Std().String(),
		"scan_interval", conf.ActiveScanInterval().String(),
		"simulated", conf.Simulated(),
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("confbot failed", err)
		appLog.Close()
		os.Exit(1)
	}
	appLog.Info("confbot exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	secrets := config.SecretsFromEnv()
	loc := conf.Location()

	simStart, _ := conf.SimulatedStart()
	var clk clock.Clock = clock.Real{}
	if !simStart.IsZero() {
		clk = clock.NewSimulated(simStart, conf.Simulation.Speed)
	}

	var fetchOpts []ics.FetcherOption
	if secrets.ScheduleToken != "" {
		fetchOpts = append(fetchOpts, ics.WithToken(secrets.ScheduleToken))
	}
	fetcher := ics.NewFetcher(conf.Schedule.CacheDir, fetchOpts...)

	sources := make([]ics.Source, 0, len(conf.Schedule.Sources))
	for _, s := range conf.Schedule.Sources {
		sources = append(sources, ics.Source{ID: s.ID, URL: s.URL})
	}
	sched := schedule.New(fetcher, schedule.Options{
		Sources:       sources,
		Location:      loc,
		Window:        conf.Schedule.Window.Std(),
		HorizonDays:   conf.Schedule.HorizonDays,
		BreakKeywords: conf.Schedule.BreakKeywords,
		Clock:         clk,
	})
	streams := livestream.New(conf.Livestream.File, loc)

	session, err := discord.NewSession(secrets.DiscordToken)
	if err != nil {
		return err
	}
	rooms := make(map[string]string, len(conf.Rooms))
	for name, rc := range conf.Rooms {
		rooms[name] = rc.ChannelID
	}
	dir := discord.NewDirectory(session, rooms, conf.Discord.RequestsPerSecond)

	m := metrics.New()
	n, err := notifier.New(notifier.Deps{
		Schedule:    sched,
		Livestreams: streams,
		Channels:    channelDirectory{dir: dir},
		Renderer:    render.New(loc, conf.Notify.Footer),
		Clock:       clk,
		Metrics:     m,
	}, notifier.Options{
		MainChannel:       conf.Notify.MainChannel,
		Window:            conf.Schedule.Window.Std(),
		ScheduleRefresh:   conf.Schedule.RefreshInterval.Std(),
		LivestreamRefresh: conf.Livestream.RefreshInterval.Std(),
		ScanInterval:      conf.Notify.ScanInterval.Std(),
		FastScanInterval:  conf.Notify.FastScanInterval.Std(),
		FastMode:          conf.Simulation.FastMode,
		SimulatedStart:    simStart,
		RoomLead:          conf.Notify.RoomLead,
		MainHeader:        conf.Notify.MainHeader,
		TopicTemplate:     conf.Notify.TopicTemplate,
	})
	if err != nil {
		return err
	}

	if flags.once {
		// REST only; the gateway is not needed for a single pass.
		return n.RunOnce(ctx)
	}

	if err := session.Open(); err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			appLog.Warn("failed to close Discord session", err)
		}
	}()

	if err := n.Start(ctx); err != nil {
		return err
	}

	if conf.Livestream.Watch {
		go streams.Watch(ctx)
	}

	srvErr := make(chan error, 1)
	if conf.Listen != "" {
		srv := web.NewServer(conf, sched, streams, n, m)
		go func() { srvErr <- srv.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-srvErr:
		if err != nil {
			appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Stop(stopCtx); err != nil && !errors.Is(err, notifier.ErrNotRunning) {
		return err
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/confbot/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.envPath, "env", ".env", "Path to a dotenv file with DISCORD_TOKEN / PRETALX_API_TOKEN")
	flag.BoolVar(&cfg.once, "once", false, "Refresh once, announce due sessions and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

package main

import (
	"fmt"
	"os"
	"time"

	"confhammer/pkg/config"

	"github.com/urfave/cli/v2"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to the hammer config file",
		Value:   "hammer.yaml",
		EnvVars: []string{"HAMMER_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "url",
		Usage: "XMPP websocket endpoint, e.g. wss://meet.example.com/xmpp-websocket",
	},
	&cli.StringFlag{
		Name:  "domain",
		Usage: "XMPP domain, defaults to the url host",
	},
	&cli.StringFlag{
		Name:  "muc-domain",
		Usage: "MUC component domain, defaults to conference.<domain>",
	},
	&cli.StringFlag{
		Name:  "room",
		Usage: "conference room to join",
	},
	&cli.StringFlag{
		Name:  "focus",
		Usage: "focus component domain to invite",
	},
	&cli.IntFlag{
		Name:  "users",
		Usage: "number of simulated participants",
	},
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "how long to keep the fleet up, 0 runs until interrupted",
	},
	&cli.StringFlag{
		Name:  "source",
		Usage: "capture source: replay, file or synthetic",
	},
	&cli.StringFlag{
		Name:  "audio-dump",
		Usage: "rtpdump capture replayed as audio",
	},
	&cli.StringFlag{
		Name:  "video-dump",
		Usage: "rtpdump capture replayed as video",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.StringFlag{
		Name:  "status-addr",
		Usage: "serve /health, /stats and /metrics on this address",
	},
	&cli.BoolFlag{
		Name:  "reset-invite",
		Usage: "clear the shared focus invite marker in redis before starting",
	},
	&cli.StringFlag{
		Name:  "stats-file",
		Usage: "append one JSON line of fleet stats per sample",
	},
}

func main() {
	app := &cli.App{
		Name:        "confhammer",
		Usage:       "load test a Jitsi-style conference with simulated participants",
		Description: "joins --users participants to --room and streams replayed or synthetic media",
		Flags:       flags,
		Action:      runHammer,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers flags over the config file and environment.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("url") {
		cfg.Server.URL = c.String("url")
	}
	if c.IsSet("domain") {
		cfg.Server.Domain = c.String("domain")
	}
	if c.IsSet("muc-domain") {
		cfg.Server.MUCDomain = c.String("muc-domain")
	}
	if c.IsSet("room") {
		cfg.Server.Room = c.String("room")
	}
	if c.IsSet("focus") {
		cfg.Server.FocusJID = c.String("focus")
	}
	if c.IsSet("users") {
		cfg.Fleet.Users = c.Int("users")
	}
	if c.IsSet("duration") {
		cfg.Fleet.Duration = c.Duration("duration")
	}
	if c.IsSet("source") {
		cfg.Media.Source = c.String("source")
	}
	if c.IsSet("audio-dump") {
		cfg.Replay.AudioDump = c.String("audio-dump")
	}
	if c.IsSet("video-dump") {
		cfg.Replay.VideoDump = c.String("video-dump")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("status-addr") {
		cfg.Monitoring.Enabled = true
		cfg.Monitoring.Address = c.String("status-addr")
	}
	if c.IsSet("reset-invite") {
		cfg.Redis.ResetGate = c.Bool("reset-invite")
	}
	if c.IsSet("stats-file") {
		cfg.Monitoring.StatsFile = c.String("stats-file")
	}

	// Replay captures on the command line imply the replay source.
	if !c.IsSet("source") && (cfg.Replay.AudioDump != "" || cfg.Replay.VideoDump != "") {
		cfg.Media.Source = "replay"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

const shutdownTimeout = 5 * time.Second

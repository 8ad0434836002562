// Command reactord is a demo host binary wiring a reactor EventLoop
// together with the TCP, UDP, and MQTT connection managers and the
// interrupt manager: the reference wiring for an application built on
// top of the reactor/* packages, per SPEC_FULL.md's package layout.
package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ruaan-deysel/reactor/rlog"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cli struct {
	LogsDir    string `default:"/var/log" help:"directory to store logs"`
	ConfigFile string `default:"/etc/reactord/reactord.ini" help:"ini config file (static listener/broker config, hot-reloaded)"`
	Debug      bool   `default:"false" help:"log to stdout at debug level instead of rotating a log file"`
	LogLevel   string `default:"info" help:"log level: debug, info, warning, error"`

	HTTPAddr string `default:":8840" help:"address for the status/metrics/websocket HTTP server"`

	ListenPort uint16 `default:"4840" help:"TCP listen port opened passively on start (0 disables it)"`

	LoopTimeout time.Duration `default:"200ms" help:"maximum duration of one EventLoop.Run iteration"`
}

func setupLogging(logsDir string, debug bool) {
	if debug {
		log.SetOutput(os.Stdout)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		return
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "reactord.log"),
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   false,
	}
	log.SetOutput(io.MultiWriter(fileLogger, os.Stdout))
}

func parseLogLevel(s string) rlog.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return rlog.LevelDebug
	case "warning", "warn":
		return rlog.LevelWarning
	case "error":
		return rlog.LevelError
	default:
		return rlog.LevelInfo
	}
}

func main() {
	kong.Parse(&cli)

	setupLogging(cli.LogsDir, cli.Debug)
	rlog.SetLevel(parseLogLevel(cli.LogLevel))
	if cli.Debug {
		rlog.SetLevel(rlog.LevelDebug)
	}

	rlog.Info("reactord %s starting", Version)

	cfg, err := LoadConfig(cli.ConfigFile)
	if err != nil {
		rlog.Fatal("config: %v", err)
	}
	cfg.SetDefaultListenPort(cli.ListenPort)

	reg := prometheus.NewRegistry()
	app, err := NewApp(cfg, reg)
	if err != nil {
		rlog.Fatal("reactord: %v", err)
	}

	stopWatch := make(chan struct{})
	if err := WatchFile(cfg, cli.ConfigFile, stopWatch, app.Reload); err != nil {
		rlog.Warning("reactord: config hot-reload disabled: %v", err)
	}
	defer close(stopWatch)

	stopping := false
	requestStop := func() {
		if stopping {
			return
		}
		stopping = true
		rlog.Info("reactord: shutdown requested")
		app.Stop()
	}

	if _, err := app.Start(requestStop); err != nil {
		rlog.Fatal("reactord: %v", err)
	}

	srv := NewHTTPServer(app, reg)
	srv.PumpEvents(app.Bus, stopWatch)
	go func() {
		if err := srv.ListenAndServe(cli.HTTPAddr); err != nil {
			rlog.Warning("reactord: http server stopped: %v", err)
		}
	}()

	rlog.Info("reactord: listening for status/metrics/websocket on %s", cli.HTTPAddr)
	app.RunForever(cli.LoopTimeout)

	srv.Shutdown()
	app.Bus.Shutdown()
	rlog.Info("reactord: stopped")
}

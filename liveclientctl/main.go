package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/livetree/client/liveclient"
)

const LiveClientCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live client control.

Usage:
    liveclientctl connect [--config=<config>] [--url=<url>]
        [--fallback_url=<fallback_url>]
        [--view=<view>]
        [--param=<param>...]
        [--duration=<duration>]
    liveclientctl watch [--config=<config>] [--url=<url>]
        [--fallback_url=<fallback_url>]
        [--view=<view>]
        [--param=<param>...]
    liveclientctl send [--config=<config>] [--url=<url>]
        [--fallback_url=<fallback_url>]
        [--view=<view>]
        --event=<event>
        [--param=<param>...]
    liveclientctl render <file>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --config=<config>              Yaml config path.
    --url=<url>                    Websocket endpoint.
    --fallback_url=<fallback_url>  Http base for the fallback transport.
    --view=<view>                  View name to mount.
    --event=<event>                Handler name to invoke after mount.
    --param=<param>                key=value request param. Repeatable.
    --duration=<duration>          Stay connected this long, e.g. 30s.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveClientCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog flags come from the environment so docopt owns argv
	flag.CommandLine.Parse([]string{
		"--logtostderr",
		fmt.Sprintf("--v=%s", envOrDefault("LIVECLIENT_VERBOSE", "0")),
	})

	if connect_, _ := opts.Bool("connect"); connect_ {
		connect(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if render_, _ := opts.Bool("render"); render_ {
		render(opts)
	}
}

func envOrDefault(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadRuntimeConfig(opts docopt.Opts) *Config {
	config := &Config{}
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			Err.Fatalf("Could not load config (%s).", err)
		}
		config = loaded
	}
	if url, err := opts.String("--url"); err == nil && url != "" {
		config.Endpoint = url
	}
	if fallbackUrl, err := opts.String("--fallback_url"); err == nil && fallbackUrl != "" {
		config.FallbackUrl = fallbackUrl
	}
	if view, err := opts.String("--view"); err == nil && view != "" {
		config.View = view
	}
	if config.Params == nil {
		config.Params = map[string]any{}
	}
	if params, ok := opts["--param"].([]string); ok {
		for _, param := range params {
			key, value, found := strings.Cut(param, "=")
			if !found {
				Err.Fatalf("Invalid param %q, expected key=value.", param)
			}
			config.Params[key] = value
		}
	}
	if config.Endpoint == "" {
		Err.Fatalf("Missing endpoint. Pass --url or set endpoint in the config.")
	}
	if config.View == "" {
		Err.Fatalf("Missing view. Pass --view or set view in the config.")
	}
	return config
}

func newRuntime(ctx context.Context, config *Config) *liveclient.ClientRuntime {
	settings := liveclient.DefaultRuntimeSettings()
	settings.Endpoint = config.Endpoint
	settings.FallbackUrl = config.FallbackUrl
	settings.View = config.View
	settings.MountParams = config.Params
	if heartbeat := config.Heartbeat(); heartbeat != 0 {
		settings.ConnectionSettings.HeartbeatInterval = heartbeat
	}
	if backoffBase := config.BackoffBase(); backoffBase != 0 {
		settings.ConnectionSettings.ReconnectBackoffBase = backoffBase
	}
	if config.MaxReconnectAttempts != 0 {
		settings.ConnectionSettings.MaxReconnectAttempts = config.MaxReconnectAttempts
	}
	if config.CacheCapacity != 0 {
		settings.CacheSettings.Capacity = config.CacheCapacity
	}
	return liveclient.NewClientRuntime(ctx, settings)
}

// connect mounts the view, stays connected for the duration, then
// prints the connection stats.
func connect(opts docopt.Opts) {
	config := loadRuntimeConfig(opts)

	duration := 30 * time.Second
	if durationStr, err := opts.String("--duration"); err == nil && durationStr != "" {
		parsed, err := time.ParseDuration(durationStr)
		if err != nil {
			Err.Fatalf("Invalid duration (%s).", err)
		}
		duration = parsed
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := newRuntime(cancelCtx, config)
	defer runtime.Close()

	runtime.SetReloadCallback(func(reason liveclient.ReloadReason) {
		Out.Printf("reload requested (%s)", reason)
		cancel()
	})

	if err := runtime.Start(); err != nil {
		Err.Fatalf("Could not start (%s).", err)
	}

	select {
	case <-time.After(duration):
	case <-cancelCtx.Done():
	}

	stats := runtime.Stats()
	Out.Printf(
		"sent=%d (%d bytes) received=%d (%d bytes) reconnects=%d",
		stats.Sent,
		stats.SentByteCount,
		stats.Received,
		stats.ReceivedByteCount,
		stats.Reconnections,
	)
	for _, entry := range runtime.History() {
		Out.Printf(
			"%s %s %s %s %d bytes",
			entry.Time.Format(time.RFC3339),
			entry.Direction,
			entry.Transport,
			entry.Type,
			entry.ByteCount,
		)
	}
}

// watch mounts the view and prints the rendered document after every
// applied update until interrupted.
func watch(opts docopt.Opts) {
	config := loadRuntimeConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := newRuntime(cancelCtx, config)
	defer runtime.Close()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	runtime.SetUpdateCallback(func() {
		if interactive {
			// clear screen between renders on a live terminal
			fmt.Print("\033[2J\033[H")
		}
		Out.Printf("%s", runtime.Tree().RenderHtml())
	})
	runtime.SetReloadCallback(func(reason liveclient.ReloadReason) {
		Out.Printf("reload requested (%s)", reason)
		cancel()
	})
	runtime.SetNotificationCallback(func(notification liveclient.Notification) {
		Err.Printf("push %s %v", notification.Event, notification.Payload)
	})

	if err := runtime.Start(); err != nil {
		Err.Fatalf("Could not start (%s).", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-cancelCtx.Done():
	}
}

// send mounts the view, fires one event, and waits for the answering
// update.
func send(opts docopt.Opts) {
	config := loadRuntimeConfig(opts)
	event, _ := opts.String("--event")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := newRuntime(cancelCtx, config)
	defer runtime.Close()

	updates := make(chan struct{}, 8)
	runtime.SetUpdateCallback(func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	if err := runtime.Start(); err != nil {
		Err.Fatalf("Could not start (%s).", err)
	}

	// first update is the mount
	select {
	case <-updates:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Mount timeout.")
	}

	if !runtime.SendEvent(event, config.Params, nil) {
		Err.Fatalf("Send failed.")
	}

	select {
	case <-updates:
		Out.Printf("%s", runtime.Tree().RenderHtml())
	case <-time.After(30 * time.Second):
		Err.Fatalf("No update received (timeout).")
	}
}

// render parses an html file and prints the normalized document, which
// is the tree the runtime would track for it.
func render(opts docopt.Opts) {
	path, _ := opts.String("<file>")

	src, err := os.ReadFile(path)
	if err != nil {
		Err.Fatalf("Could not read %s (%s).", path, err)
	}

	tree := liveclient.NewTree(nil)
	if err := tree.ReplaceDocument(string(src)); err != nil {
		Err.Fatalf("Could not parse %s (%s).", path, err)
	}
	Out.Printf("%s", tree.RenderHtml())
}

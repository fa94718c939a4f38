package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("motionlimitd v%s\n", version)
	fmt.Println("Per-cycle motion limiter daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  motionlimitd [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Runs one position/velocity/acceleration limiter per configured channel")
	fmt.Println("  at a fixed rate. Commands arrive over a Unix socket, from jog keys and")
	fmt.Println("  from a handwheel; limited setpoints go to an optional websocket sink.")
	fmt.Println("  Channel state is published on a websocket for monitoring.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (defaults are used when omitted)")
	fmt.Println()
	fmt.Println("  -update-hz int")
	fmt.Printf("        Control loop frequency in Hz (default %d)\n", defaultUpdateHz)
	fmt.Println()
	fmt.Println("  -input-device string")
	fmt.Println("        Linux input event device for jog keys and handwheel (empty disables)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/motionlimit.sock\")")
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        State websocket HTTP port, 0 disables (default %d)\n", defaultHTTPPort)
	fmt.Println()
	fmt.Println("  -sink-ws-url string")
	fmt.Println("        Websocket URL of the setpoint sink (empty disables)")
	fmt.Println()
	fmt.Println("  -sink-timeout-ms int")
	fmt.Printf("        Timeout for sink replies in ms (default %d)\n", defaultSinkTimeoutMS)
	fmt.Println()
	fmt.Println("  -jog-rate float")
	fmt.Printf("        Jog command rate in units/s (default %.1f)\n", defaultJogRate)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -log-format string")
	fmt.Println("        Log format: text, json (default \"text\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  motionlimitd -config /etc/motionlimit.yaml")
	fmt.Println("  motionlimitd -config ~/axes.yaml -sink-ws-url ws://127.0.0.1:9000 -log-level debug")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Reading input devices requires root or membership in the 'input' group")
	fmt.Println("  - Every limiter update uses the fixed period 1/update-hz")
	fmt.Println()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("motionlimitd", flag.ContinueOnError)
	fs.Usage = printUsage

	var (
		configPath  = fs.String("config", "", "Path to YAML config file")
		updateHz    = fs.Int("update-hz", defaultUpdateHz, "Control loop frequency in Hz")
		inputDevice = fs.String("input-device", "", "Linux input event device (empty disables)")
		ipcSocket   = fs.String("ipc-socket", "/tmp/motionlimit.sock", "Unix domain socket path for IPC")
		httpPort    = fs.Int("http-port", defaultHTTPPort, "State websocket HTTP port (0 disables)")
		sinkWsURL   = fs.String("sink-ws-url", "", "Websocket URL of the setpoint sink (empty disables)")
		sinkTimeout = fs.Int("sink-timeout-ms", defaultSinkTimeoutMS, "Timeout for sink replies in ms")
		jogRate     = fs.Float64("jog-rate", defaultJogRate, "Jog command rate in units/s")
		logLevelStr = fs.String("log-level", "info", "Log level: error, warn, info, debug")
		logFormat   = fs.String("log-format", "text", "Log format: text, json")
		showVersion = fs.Bool("version", false, "Print version and exit")
		showHelp    = fs.Bool("help", false, "Print help message")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showHelp {
		printUsage()
		return nil
	}
	if *showVersion {
		printVersion()
		return nil
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfigFile(*configPath); err != nil {
			return err
		}
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "update-hz":
			o.UpdateHz = updateHz
		case "input-device":
			o.InputDevice = inputDevice
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "http-port":
			o.HTTPPort = httpPort
		case "sink-ws-url":
			o.SinkWsURL = sinkWsURL
		case "sink-timeout-ms":
			o.SinkTimeoutMS = sinkTimeout
		case "jog-rate":
			o.JogRate = jogRate
		case "log-level":
			o.LogLevel = logLevelStr
		case "log-format":
			o.LogFormat = logFormat
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		return errors.New("invalid configuration")
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(os.Stderr, logLevel, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The interface stays nil when no sink is configured.
	var sink SetpointSink
	if cfg.Sink.WsURL != "" {
		client, err := NewSinkClient(cfg.Sink.WsURL, logger, cfg.Sink.TimeoutMS)
		if err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		if err := client.ConnectWithRetry(3, 500*time.Millisecond); err != nil {
			// Writes redial; the daemon runs and reports the sink as down.
			logger.Warn("sink unavailable at startup", "url", cfg.Sink.WsURL, "error", err)
		}
		defer client.Close()
		sink = client
	}

	state := &DaemonState{Channels: cfg.ToChannels()}
	reducerCfg := cfg.ToReducerConfig()

	events := make(chan Event, 256)
	broadcasts := make(chan StateBroadcast, 1024)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var runErr error
	fail := func(err error) {
		errMu.Lock()
		runErr = multierr.Append(runErr, err)
		errMu.Unlock()
		stop()
	}

	socketMode, _ := cfg.IPC.mode()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runIPCServer(ctx, cfg.IPC.SocketPath, socketMode, events, logger); err != nil {
			fail(fmt.Errorf("ipc: %w", err))
		}
	}()

	if len(cfg.Input.Devices) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runInput(ctx, cfg.Input.Devices, events, logger); err != nil {
				// Losing the jog pendant is not fatal; IPC still drives the channels.
				logger.Error("input reader stopped", "error", err)
			}
		}()
	}

	if cfg.HTTP.Port > 0 {
		srv := NewServer(logger, events, ServerConfig{})
		mux := http.NewServeMux()
		srv.Register(mux, cfg.HTTP.WSPath)

		wg.Add(3)
		go func() {
			defer wg.Done()
			srv.Hub().Run(ctx)
		}()
		go func() {
			defer wg.Done()
			RunBroadcaster(ctx, srv.Hub(), broadcasts, logger)
		}()
		go func() {
			defer wg.Done()
			if err := runHTTPServer(ctx, cfg.HTTP.Port, mux, logger); err != nil {
				fail(err)
			}
		}()
	} else {
		broadcasts = nil
	}

	names := make([]string, 0, len(state.Channels))
	for _, c := range state.Channels {
		names = append(names, c.Name)
	}
	logger.Info("starting motionlimitd",
		"version", version,
		"channels", names,
		"update_hz", cfg.UpdateHz,
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"sink", cfg.Sink.WsURL,
		"input_devices", cfg.Input.Devices)

	runDaemon(ctx, events, sink, reducerCfg, state, cfg.UpdateHz, broadcasts, logger)

	logger.Info("shutting down")
	stop()
	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return runErr
}

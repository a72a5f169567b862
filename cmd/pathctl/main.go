// Command pathctl drives a Tor path-selection and stream-attachment
// controller against a running Tor daemon's control port, and doubles as a
// small diagnostic client for ad-hoc GETINFO/SIGNAL queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/pathctl/pkg/config"
	"github.com/opd-ai/pathctl/pkg/control"
	"github.com/opd-ai/pathctl/pkg/logger"
	"github.com/opd-ai/pathctl/pkg/pathbuilder"
	"github.com/opd-ai/pathctl/pkg/selmgr"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	controlAddr := flag.String("control", "127.0.0.1:9051", "control port address")
	authSecret := flag.String("auth", "", "control port authentication secret")
	pathLen := flag.Int("path-len", 3, "hop count for built circuits")
	numCircuits := flag.Int("num-circuits", 4, "circuit pool size")
	resolvePort := flag.Int("resolve-port", 0, "port recorded for NEWRESOLVE streams with no explicit port")
	orderExits := flag.Bool("order-exits", false, "visit every eligible exit in round-robin order")
	uniform := flag.Bool("uniform", false, "ignore bandwidth weighting when selecting hops")
	useAllExits := flag.Bool("use-all-exits", false, "drop the percentile restriction on exits and the /16 subnet path restriction")
	exitName := flag.String("exit", "", "pin the exit hop by nickname or $idhex")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pathctl version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(flag.Args()) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.ControlAddress = *controlAddr
	cfg.AuthSecret = *authSecret
	cfg.PathLen = *pathLen
	cfg.NumCircuits = *numCircuits
	cfg.ResolvePort = *resolvePort
	cfg.OrderExits = *orderExits
	cfg.Uniform = *uniform
	cfg.UseAllExits = *useAllExits
	cfg.ExitName = *exitName
	cfg.LogLevel = *logLevel

	command := flag.Args()[0]
	args := flag.Args()[1:]

	var err error
	switch strings.ToLower(command) {
	case "run":
		err = runController(cfg)
	case "status", "circuits", "streams", "info", "config", "signal", "getversion":
		err = runDiagnostic(cfg, command, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("pathctl - Tor path-selection controller and diagnostic client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pathctl [options] <command> [args...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                 Run the path-building controller until interrupted")
	fmt.Println("  status              Show circuit/stream counts and traffic totals")
	fmt.Println("  circuits            List circuits known to the control port")
	fmt.Println("  streams             List streams known to the control port")
	fmt.Println("  info                Show Tor version and listener info")
	fmt.Println("  config <key>        GETCONF a configuration key")
	fmt.Println("  signal <name>       Send a signal (NEWNYM, SHUTDOWN, ...)")
	fmt.Println("  getversion          Print the Tor daemon's version string")
}

// runController dials the control port, builds the path-selection stack,
// and services events until interrupted.
func runController(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(level, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	conn, err := control.Dial(ctx, cfg.ControlAddress, log)
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer conn.Close()

	if err := conn.Authenticate(cfg.AuthSecret); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := conn.SetEvents(
		string(control.EventCirc), string(control.EventStream), string(control.EventStreamBW),
		string(control.EventNewDesc), string(control.EventNS),
	); err != nil {
		return fmt.Errorf("set events: %w", err)
	}

	sm := selmgr.New(cfg.SelectionManagerConfig(), log)
	builder, err := pathbuilder.New(conn, sm, pathbuilder.Config{
		PathLen:     cfg.PathLen,
		NumCircuits: cfg.NumCircuits,
		ResolvePort: cfg.ResolvePort,
	}, log)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	conn.Subscribe(control.HandlerFunc(func(ev control.Event) {
		dispatchEvent(builder, ev)
	}))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	lost := make(chan error, 1)
	conn.OnClose(func(err error) {
		lost <- err
	})

	log.Info("controller running", "control_address", cfg.ControlAddress, "num_circuits", cfg.NumCircuits)
	builder.CheckCircuitPool()

	select {
	case <-stop:
		log.Info("shutting down")
	case err := <-lost:
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		log.Warn("control connection closed", "error", err)
		return fmt.Errorf("control connection lost: %w", err)
	}
	return nil
}

// dispatchEvent routes a decoded control-port event to the builder, running
// its heartbeat bookkeeping first as the scheduling model requires.
func dispatchEvent(b *pathbuilder.Builder, ev control.Event) {
	switch e := ev.(type) {
	case *control.CircuitEvent:
		b.Heartbeat(e.Status)
		b.HandleCircuitEvent(e.CircID, e.Status, e.Reason)
	case *control.StreamEvent:
		b.Heartbeat(e.Status)
		b.HandleStreamEvent(e.StreamID, e.Status, e.CircID, e.TargetHost, e.TargetPort, 0)
	case *control.StreamBwEvent:
		b.Heartbeat("")
		b.Attacher.RecordBandwidth(e.StreamID, e.Read, e.Written)
	case *control.NewDescEvent:
		b.Heartbeat("")
		b.HandleNewDescEvent(e.IDs)
	case *control.NetworkStatusEvent:
		b.Heartbeat("")
		b.HandleNetworkStatusEvent(e.Entries)
	default:
		b.Heartbeat("")
	}
}

// runDiagnostic issues a single ad-hoc command against the control port and
// prints the result, for shell scripting and manual inspection.
func runDiagnostic(cfg *config.Config, command string, args []string) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(level, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := control.Dial(ctx, cfg.ControlAddress, log)
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer conn.Close()

	if err := conn.Authenticate(cfg.AuthSecret); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	switch strings.ToLower(command) {
	case "status":
		return showStatus(conn)
	case "circuits":
		return listCircuits(conn)
	case "streams":
		return listStreams(conn)
	case "info":
		return showInfo(conn)
	case "config":
		if len(args) == 0 {
			return fmt.Errorf("config command requires a key argument")
		}
		return getConfigKey(conn, args[0])
	case "signal":
		if len(args) == 0 {
			return fmt.Errorf("signal command requires a signal name")
		}
		return sendSignal(conn, args[0])
	case "getversion":
		return showVersion(conn)
	}
	return fmt.Errorf("unknown command: %s", command)
}

func showStatus(conn *control.Conn) error {
	info, err := conn.GetInfo("circuit-status", "stream-status", "traffic/read", "traffic/written")
	if err != nil {
		return err
	}
	fmt.Println("=== Controller Status ===")
	fmt.Printf("Active Circuits: %d\n", countLines(info["circuit-status"]))
	fmt.Printf("Active Streams: %d\n", countLines(info["stream-status"]))
	fmt.Printf("Traffic read: %s bytes\n", info["traffic/read"])
	fmt.Printf("Traffic written: %s bytes\n", info["traffic/written"])
	return nil
}

func listCircuits(conn *control.Conn) error {
	info, err := conn.GetInfo("circuit-status")
	if err != nil {
		return err
	}
	fmt.Println("=== Circuits ===")
	for _, line := range strings.Split(info["circuit-status"], "\n") {
		if line == "" {
			continue
		}
		fmt.Println(line)
	}
	return nil
}

func listStreams(conn *control.Conn) error {
	info, err := conn.GetInfo("stream-status")
	if err != nil {
		return err
	}
	fmt.Println("=== Streams ===")
	for _, line := range strings.Split(info["stream-status"], "\n") {
		if line == "" {
			continue
		}
		fmt.Println(line)
	}
	return nil
}

func showInfo(conn *control.Conn) error {
	info, err := conn.GetInfo("version", "net/listeners/socks")
	if err != nil {
		return err
	}
	fmt.Printf("Version: %s\n", info["version"])
	fmt.Printf("SOCKS listener: %s\n", info["net/listeners/socks"])
	return nil
}

func getConfigKey(conn *control.Conn, key string) error {
	values, err := conn.GetConf(key)
	if err != nil {
		return err
	}
	for k, v := range values {
		fmt.Printf("%s=%s\n", k, v)
	}
	return nil
}

func sendSignal(conn *control.Conn, name string) error {
	if err := conn.SendSignal(strings.ToUpper(name)); err != nil {
		return err
	}
	fmt.Printf("Signal %s sent\n", strings.ToUpper(name))
	return nil
}

func showVersion(conn *control.Conn) error {
	info, err := conn.GetInfo("version")
	if err != nil {
		return err
	}
	fmt.Println(info["version"])
	return nil
}

func countLines(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

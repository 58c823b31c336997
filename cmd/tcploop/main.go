// Command tcploop runs two TCP engines over an in-memory IPv4 network.
//
// The echo subcommand transfers data from a client to an echo server and back,
// optionally with packet loss and a pcap capture of the traffic, then prints
// both engines' metrics. The config subcommand prints the effective engine configuration.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff"
	"github.com/kstack/ktcp/internal"
	"github.com/kstack/ktcp/internet"
	"github.com/kstack/ktcp/tcp"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sys/unix"
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.1")
	serverAddr = netip.MustParseAddr("10.0.0.2")
)

var rootFlags struct {
	config  string
	verbose bool
	trace   bool
}

var echoFlags struct {
	size    int
	port    uint
	loss    float64
	pcap    string
	timeout time.Duration
	metrics bool
}

func main() {
	rootFS := flag.NewFlagSet("tcploop", flag.ExitOnError)
	rootFS.StringVar(&rootFlags.config, "config", "", "TOML engine configuration file")
	rootFS.BoolVar(&rootFlags.verbose, "v", false, "log engine events")
	rootFS.BoolVar(&rootFlags.trace, "trace", false, "log every segment (implies -v)")

	echoFS := flag.NewFlagSet("echo", flag.ExitOnError)
	echoFS.IntVar(&echoFlags.size, "size", 1<<20, "bytes to echo")
	echoFS.UintVar(&echoFlags.port, "port", 7, "server port")
	echoFS.Float64Var(&echoFlags.loss, "loss", 0, "packet loss probability in [0, 1]")
	echoFS.StringVar(&echoFlags.pcap, "pcap", "", "write captured packets to this pcap file")
	echoFS.DurationVar(&echoFlags.timeout, "timeout", time.Minute, "give up after this long")
	echoFS.BoolVar(&echoFlags.metrics, "metrics", true, "print engine metrics on completion")

	root := &ffcli.Command{
		Name:       "tcploop",
		ShortUsage: "tcploop [flags] <echo|config> [subcommand flags]",
		ShortHelp:  "Run TCP engines over an in-memory network",
		FlagSet:    rootFS,
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			{
				Name:       "echo",
				ShortUsage: "tcploop echo [flags]",
				ShortHelp:  "Echo data between two engines",
				FlagSet:    echoFS,
				Exec:       runEcho,
			},
			{
				Name:       "config",
				ShortUsage: "tcploop [-config file] config",
				ShortHelp:  "Print the effective engine configuration",
				Exec:       runConfig,
			},
		},
	}
	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "tcploop: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (tcp.Config, error) {
	if rootFlags.config == "" {
		var cfg tcp.Config
		cfg.Defaults()
		return cfg, nil
	}
	f, err := os.Open(rootFlags.config)
	if err != nil {
		return tcp.Config{}, err
	}
	defer f.Close()
	return tcp.LoadConfig(f)
}

func newLogger() *slog.Logger {
	if !rootFlags.verbose && !rootFlags.trace {
		return nil
	}
	lvl := slog.LevelDebug
	if rootFlags.trace {
		lvl = internal.LevelTrace
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runConfig(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}

func runEcho(ctx context.Context, args []string) error {
	if echoFlags.port == 0 || echoFlags.port > 0xffff {
		return fmt.Errorf("bad port %d", echoFlags.port)
	}
	port := uint16(echoFlags.port)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	ctx, cancel := context.WithTimeout(ctx, echoFlags.timeout)
	defer cancel()

	lo, err := internet.NewLoopback(internet.LoopbackConfig{Loss: echoFlags.loss, Logger: log})
	if err != nil {
		return err
	}
	if echoFlags.pcap != "" {
		f, err := os.Create(echoFlags.pcap)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := lo.Capture(f); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	client, err := startEngine(ctx, lo, clientAddr, cfg, log, prometheus.WrapRegistererWith(prometheus.Labels{"engine": "client"}, reg))
	if err != nil {
		return err
	}
	defer client.Close()
	server, err := startEngine(ctx, lo, serverAddr, cfg, log, prometheus.WrapRegistererWith(prometheus.Labels{"engine": "server"}, reg))
	if err != nil {
		return err
	}
	defer server.Close()

	serverErr := make(chan error, 1)
	go func() { serverErr <- serveEcho(ctx, server, port) }()

	start := time.Now()
	conn, err := dialRetry(ctx, client, netip.AddrPortFrom(serverAddr, port))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	msg := make([]byte, echoFlags.size)
	rand.Read(msg)
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Send(ctx, msg, 0)
		writeErr <- err
	}()
	got := make([]byte, len(msg))
	_, err = io.ReadFull(readerCtx{ctx: ctx, s: conn}, got)
	if err != nil {
		return fmt.Errorf("reading echo: %w", err)
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("writing: %w", err)
	}
	elapsed := time.Since(start)
	conn.Close()
	if err := <-serverErr; err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if !bytes.Equal(got, msg) {
		return errors.New("echoed data differs")
	}

	stats := lo.Stats()
	fmt.Printf("echoed %d bytes in %s (%.1f KiB/s)\n", len(msg), elapsed.Round(time.Millisecond), float64(2*len(msg))/1024/elapsed.Seconds())
	fmt.Printf("packets sent=%d delivered=%d lost=%d rejected=%d\n", stats.Sent, stats.Delivered, stats.Lost, stats.Rejected)
	if echoFlags.metrics {
		return printMetrics(reg)
	}
	return nil
}

func startEngine(ctx context.Context, lo *internet.Loopback, addr netip.Addr, cfg tcp.Config, log *slog.Logger, reg prometheus.Registerer) (*tcp.Engine, error) {
	ifc, err := lo.Interface(addr)
	if err != nil {
		return nil, err
	}
	cfg.Logger = log
	cfg.Registerer = reg
	eng, err := tcp.NewEngine(cfg, ifc)
	if err != nil {
		return nil, err
	}
	ifc.Attach(eng)
	eng.Start(ctx)
	return eng, nil
}

func serveEcho(ctx context.Context, eng *tcp.Engine, port uint16) error {
	ln := eng.NewSocket()
	defer ln.Close()
	if err := ln.Bind(port); err != nil {
		return err
	}
	if err := ln.Listen(1); err != nil {
		return err
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Recv(ctx, buf, 0)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if _, err := conn.Send(ctx, buf[:n], 0); err != nil {
			return err
		}
	}
}

// dialRetry connects to raddr, retrying while the server is not yet listening.
func dialRetry(ctx context.Context, eng *tcp.Engine, raddr netip.AddrPort) (*tcp.Socket, error) {
	var conn *tcp.Socket
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(func() error {
		s := eng.NewSocket()
		err := s.Connect(ctx, raddr)
		if err == nil {
			conn = s
			return nil
		}
		s.Close()
		if errors.Is(err, unix.ECONNREFUSED) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
	return conn, err
}

type readerCtx struct {
	ctx context.Context
	s   *tcp.Socket
}

func (r readerCtx) Read(b []byte) (int, error) { return r.s.Recv(r.ctx, b, 0) }

func printMetrics(g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			return err
		}
	}
	return nil
}

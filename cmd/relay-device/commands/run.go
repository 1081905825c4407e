package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/devrelay/relay-go/cmd/relay-device/interactive"
	"github.com/devrelay/relay-go/pkg/log"
	"github.com/devrelay/relay-go/pkg/persistence"
	"github.com/devrelay/relay-go/pkg/relay"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath  string
	Server      string
	Name        string
	Descriptor  string
	Forward     string
	LogFile     string
	ProtocolLog string
	MetricsAddr string
	Insecure    bool
	Interactive bool

	file *FileConfig
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the relay and serve relayed requests",
		Long: `Register with the relay server and serve relayed requests until interrupted.

On the first registration a device id and passcode are generated, printed
once and stored in the state file. Later runs reuse them.

Example:
  relay-device run --server https://relay.example.com --forward http://127.0.0.1:8080
  relay-device run --config /etc/relay-device.yaml --interactive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath != "" {
				fc, err := LoadConfig(opts.ConfigPath)
				if err != nil {
					return err
				}
				fc.apply(cmd, opts)
			}
			if opts.Server == "" {
				return errors.New("--server is required (flag or config file)")
			}
			return runDevice(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.Server, "server", "", "relay server URL")
	f.StringVar(&opts.Name, "name", "", "device name sent at registration")
	f.StringVar(&opts.Descriptor, "descriptor", "", "platform descriptor used in generated device ids")
	f.StringVar(&opts.Forward, "forward", "", "local service URL relayed requests are forwarded to")
	f.StringVar(&opts.LogFile, "log-file", "", "also write logs to this file (rotated)")
	f.StringVar(&opts.ProtocolLog, "protocol-log", "", "write protocol events to this file")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.BoolVar(&opts.Insecure, "insecure", false, "skip relay certificate verification")
	f.BoolVarP(&opts.Interactive, "interactive", "i", false, "start the interactive console")

	return cmd
}

// deviceRuntime owns the resources of one run.
type deviceRuntime struct {
	logger   *slog.Logger
	store    *persistence.StateStore
	session  *relay.Session
	registry *prometheus.Registry
	closers  []io.Closer
}

func (r *deviceRuntime) Close() error {
	var err error
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i].Close())
	}
	return err
}

// newDeviceRuntime wires logging, persistence and the session.
func newDeviceRuntime(opts *RunOptions, out, stderr io.Writer) (rt *deviceRuntime, err error) {
	rt = &deviceRuntime{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.Close())
			rt = nil
		}
	}()

	logger, logCloser, err := newLogger(opts.LogLevel, opts.LogFile, stderr)
	if err != nil {
		return rt, err
	}
	rt.logger = logger
	rt.closers = append(rt.closers, logCloser)

	cfg := opts.relayConfig()
	cfg.Logger = logger.With("component", "relay")

	var protocol []log.Logger
	if opts.ProtocolLog != "" {
		fl, err := log.NewFileLogger(opts.ProtocolLog)
		if err != nil {
			return rt, fmt.Errorf("open protocol log: %w", err)
		}
		rt.closers = append(rt.closers, fl)
		protocol = append(protocol, fl)
	}
	if opts.LogLevel == "debug" {
		protocol = append(protocol, log.NewSlogAdapter(logger.With("component", "protocol")))
	}
	if len(protocol) > 0 {
		cfg.ProtocolLogger = log.NewMultiLogger(protocol...)
	}

	handler, err := newHandler(opts.Forward)
	if err != nil {
		return rt, err
	}

	rt.store = persistence.NewStateStore(opts.StatePath)
	if prev, err := rt.store.BindServer(cfg.ServerURL); err != nil {
		return rt, fmt.Errorf("state file: %w", err)
	} else if prev != "" {
		logger.Warn("relay server changed; the device will register again", "previous", prev, "server", cfg.ServerURL)
	}
	identity, err := rt.store.LoadIdentity()
	if err != nil {
		return rt, fmt.Errorf("state file: %w", err)
	}

	sessionOpts := []relay.Option{
		relay.WithIdentity(identity),
		relay.WithIdentityStore(rt.store),
		relay.WithNotifier(newConsoleNotifier(out, logger)),
	}
	if opts.MetricsAddr != "" {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sessionOpts = append(sessionOpts, relay.WithMetrics(relay.NewMetrics(rt.registry)))
	}

	rt.session, err = relay.New(cfg, handler, sessionOpts...)
	if err != nil {
		return rt, err
	}
	return rt, nil
}

// newHandler forwards to a local service, or echoes requests when none is
// configured.
func newHandler(forward string) (relay.Handler, error) {
	if forward == "" {
		return relay.HandlerFunc(echoHandler), nil
	}
	return relay.ForwardHandler(forward, &http.Client{Timeout: 30 * time.Second})
}

// echoHandler answers every request with its own body.
func echoHandler(_ context.Context, req *relay.Request) (*relay.Response, error) {
	ct := req.Headers["content-type"]
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &relay.Response{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": ct},
		Body:    req.Body,
	}, nil
}

func runDevice(parent context.Context, opts *RunOptions, out, stderr io.Writer) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var console *interactive.Console
	if opts.Interactive {
		console, err = interactive.New()
		if err != nil {
			return err
		}
		// Output goes through readline so the prompt stays intact.
		out, stderr = console.Stdout(), console.Stdout()
	}

	rt, err := newDeviceRuntime(opts, out, stderr)
	if err != nil {
		if console != nil {
			err = multierr.Append(err, console.Close())
		}
		return err
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	logger := rt.logger
	logger.Info("starting relay device", "server", opts.Server, "state", rt.store.Path())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.session.Run(ctx)
	})
	rt.session.Start()

	if rt.registry != nil {
		srv, err := metricsServer(opts.MetricsAddr, rt.registry)
		if err != nil {
			cancel()
			return multierr.Append(err, g.Wait())
		}
		logger.Info("serving metrics", "addr", srv.addr())
		g.Go(func() error { return srv.serve(ctx) })
	}

	if console != nil {
		console.Attach(rt.session)
		g.Go(func() error {
			console.Run(ctx, cancel)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("relay device stopped")
	return err
}

type metricsHTTP struct {
	ln  net.Listener
	srv *http.Server
}

func metricsServer(addr string, reg *prometheus.Registry) (*metricsHTTP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &metricsHTTP{
		ln:  ln,
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

func (m *metricsHTTP) addr() string {
	return m.ln.Addr().String()
}

// serve runs until ctx is done, then shuts the server down.
func (m *metricsHTTP) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.srv.Serve(m.ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := m.srv.Shutdown(shutdownCtx)
		if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
			err = multierr.Append(err, serveErr)
		}
		return err
	}
}

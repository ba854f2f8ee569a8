package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/spf13/pflag"

	"riemann/internal/app"
	"riemann/internal/transport"
)

const (
	exitCodeOK      = 0
	exitCodeFailure = 1
	exitCodeUsage   = 2
)

var errUsage = errors.New("usage error")

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Options configures one CLI invocation.
// Params: output streams, environment override (nil = process environment), build metadata.
// Returns: input for Run.
type Options struct {
	Stdout      io.Writer
	Stderr      io.Writer
	Environment map[string]string
	Build       BuildInfo
}

// environment holds server defaults taken from the process environment.
type environment struct {
	Host string `env:"RIEMANN_HOST" envDefault:"localhost"`
	Port int    `env:"RIEMANN_PORT" envDefault:"5555"`
}

type globalOptions struct {
	host        string
	port        int
	transport   string
	timeout     float64
	caCerts     string
	keyFile     string
	certFile    string
	showVersion bool
}

type cli struct {
	stdout       io.Writer
	stderr       io.Writer
	environment  map[string]string
	build        BuildInfo
	newTransport func(transport.Config) (transport.Transport, error)
	runMonitor   func(context.Context, app.Runtime) error
}

// Run executes the riemann command line.
// Params: ctx cancels blocking work; args command-line arguments without the program name; opts streams and environment.
// Returns: process exit code (0 ok, 1 failure or server error, 2 usage or configuration error).
func Run(ctx context.Context, args []string, opts Options) int {
	c := &cli{
		stdout:       opts.Stdout,
		stderr:       opts.Stderr,
		environment:  opts.Environment,
		build:        opts.Build,
		newTransport: transport.New,
		runMonitor:   app.Run,
	}
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stderr == nil {
		c.stderr = os.Stderr
	}
	return c.run(ctx, args)
}

func (c *cli) run(ctx context.Context, args []string) int {
	return c.exitCode(c.execute(ctx, args))
}

// exitCode reports err to stderr and maps it to a process exit code.
func (c *cli) exitCode(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return exitCodeOK
	}

	var serverErr *transport.ServerError
	if errors.As(err, &serverErr) {
		fmt.Fprintf(c.stderr, "The server responded with an error: %s\n", serverErr.Message)
		return exitCodeFailure
	}

	fmt.Fprintf(c.stderr, "error: %v\n", err)
	if errors.Is(err, errUsage) || errors.Is(err, transport.ErrConfig) {
		return exitCodeUsage
	}
	return exitCodeFailure
}

func (c *cli) execute(ctx context.Context, args []string) error {
	var defaults environment
	if err := env.ParseWithOptions(&defaults, env.Options{Environment: c.environment}); err != nil {
		return fmt.Errorf("%w: environment: %v", transport.ErrConfig, err)
	}

	var global globalOptions
	flags := globalFlags(&global, defaults)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			c.printUsage(c.stdout, flags)
			return err
		}
		return usageError(err)
	}

	if global.showVersion {
		return c.version(nil)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		c.printUsage(c.stderr, flags)
		return fmt.Errorf("%w: command required", errUsage)
	}

	name, rest := rest[0], rest[1:]
	switch name {
	case "send":
		return c.send(ctx, global, rest)
	case "query":
		return c.query(ctx, global, rest)
	case "monitor":
		return c.monitor(ctx, rest)
	case "version":
		return c.version(rest)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func globalFlags(global *globalOptions, defaults environment) *pflag.FlagSet {
	flags := newFlagSet("riemann")
	flags.SetInterspersed(false)
	flags.StringVarP(&global.host, "host", "H", defaults.Host, "Riemann server hostname (env RIEMANN_HOST)")
	flags.IntVarP(&global.port, "port", "P", defaults.Port, "Riemann server port (env RIEMANN_PORT)")
	flags.StringVarP(&global.transport, "transport", "T", "tcp", "protocol used to reach Riemann: udp, tcp, tls or none")
	flags.Float64VarP(&global.timeout, "timeout", "I", 0, "timeout in seconds for TCP based connections")
	flags.StringVarP(&global.caCerts, "ca-certs", "C", "", "CA certificate bundle for TLS connections")
	flags.StringVar(&global.keyFile, "keyfile", "", "private client key for TLS connections")
	flags.StringVar(&global.certFile, "certfile", "", "public client certificate for TLS connections")
	flags.BoolVarP(&global.showVersion, "version", "v", false, "show build information")
	return flags
}

func newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	return flags
}

func usageError(err error) error {
	return fmt.Errorf("%w: %v", errUsage, err)
}

// transportConfig converts global flags into a transport configuration.
func (g globalOptions) transportConfig() (transport.Config, error) {
	kind, err := transport.ParseKind(g.transport)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Kind:     kind,
		Host:     g.host,
		Port:     g.port,
		Timeout:  time.Duration(g.timeout * float64(time.Second)),
		CACerts:  g.caCerts,
		KeyFile:  g.keyFile,
		CertFile: g.certFile,
	}, nil
}

func (c *cli) transport(global globalOptions) (transport.Transport, error) {
	cfg, err := global.transportConfig()
	if err != nil {
		return nil, err
	}
	return c.newTransport(cfg)
}

func (c *cli) version(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: version takes no arguments", errUsage)
	}
	fmt.Fprintf(c.stdout, "riemann version=%s commit=%s date=%s\n", c.build.Version, c.build.Commit, c.build.Date)
	return nil
}

// writeJSON prints value as key-sorted JSON indented by two spaces.
func (c *cli) writeJSON(value any) error {
	encoder := json.NewEncoder(c.stdout)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func (c *cli) printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintf(w, `Usage: riemann [global flags] <command> [flags]

Connects to a Riemann server to send events or query the index.
Use "-T none" to try commands without a server.

Commands:
  send      send a single event
  query     query the server index
  monitor   run the host health agent
  version   show build information

Global flags:
%s`, flags.FlagUsages())
}

package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"riemann/internal/app"
)

// monitor runs the host health agent until SIGINT/SIGTERM; SIGHUP reloads its config.
// Params: ctx parent lifecycle; args monitor flags.
// Returns: startup or runtime error.
func (c *cli) monitor(ctx context.Context, args []string) error {
	var configPath string
	flags := newFlagSet("monitor")
	flags.StringVarP(&configPath, "config", "c", "config.toml", "path to TOML config file or directory")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(c.stdout, "Usage: riemann monitor [flags]\n\n%s", flags.FlagUsages())
			return err
		}
		return usageError(err)
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("%w: monitor takes no arguments, got %q", errUsage, flags.Args())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	defer signal.Stop(reloadSignal)

	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadSignal:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	return c.runMonitor(ctx, app.Runtime{ConfigPath: configPath, Reload: reload})
}

package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"riemann/internal/client"
	"riemann/internal/transport"
)

type sendOptions struct {
	time        int64
	state       string
	service     string
	host        string
	description string
	tags        []string
	ttl         float32
	attributes  []string
	metric      float32
	echo        bool
	noEcho      bool
}

// send builds one event from flags, sends it and echoes it back as JSON.
// Params: ctx send context; global server flags; args send flags.
// Returns: usage, configuration, transport or server error.
func (c *cli) send(ctx context.Context, global globalOptions, args []string) error {
	var opts sendOptions
	flags := newFlagSet("send")
	flags.SetNormalizeFunc(sendFlagAliases)
	flags.Int64VarP(&opts.time, "time", "T", 0, "event timestamp (unix seconds)")
	flags.StringVarP(&opts.state, "state", "S", "", "event state")
	flags.StringVarP(&opts.service, "service", "s", "", "event service name")
	flags.StringVarP(&opts.host, "host", "h", "", "event hostname (defaults to this host)")
	flags.StringVarP(&opts.description, "description", "d", "", "event description")
	flags.StringArrayVarP(&opts.tags, "tag", "t", nil, "event tag (repeatable)")
	flags.Float32VarP(&opts.ttl, "ttl", "l", 0, "event time to live in seconds")
	flags.StringArrayVarP(&opts.attributes, "attribute", "a", nil, "event attribute key=value (repeatable)")
	flags.Float32VarP(&opts.metric, "metric", "m", 0, "event metric (metric_f)")
	flags.BoolVar(&opts.echo, "echo", true, "echo the event after sending")
	flags.BoolVar(&opts.noEcho, "no-echo", false, "do not echo the event")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(c.stdout, "Usage: riemann [global flags] send [flags]\n\n%s", flags.FlagUsages())
			return err
		}
		return usageError(err)
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("%w: send takes no arguments, got %q", errUsage, flags.Args())
	}

	fields, err := opts.fields(flags)
	if err != nil {
		return err
	}
	event, err := client.CreateEvent(fields)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}

	t, err := c.transport(global)
	if err != nil {
		return err
	}
	err = transport.With(ctx, t, func(t transport.Transport) error {
		_, sendErr := client.New(t).SendEvent(ctx, event)
		return sendErr
	})
	if err != nil {
		return err
	}

	if opts.echo && !opts.noEcho {
		return c.writeJSON(client.CreateDict(event))
	}
	return nil
}

// fields converts the flags that were given into event fields.
func (o sendOptions) fields(flags *pflag.FlagSet) (client.Fields, error) {
	var fields client.Fields
	if flags.Changed("time") {
		fields.Time = client.Ptr(o.time)
	}
	if flags.Changed("state") {
		fields.State = client.Ptr(o.state)
	}
	if flags.Changed("service") {
		fields.Service = client.Ptr(o.service)
	}
	if flags.Changed("host") {
		fields.Host = client.Ptr(o.host)
	}
	if flags.Changed("description") {
		fields.Description = client.Ptr(o.description)
	}
	if flags.Changed("ttl") {
		fields.TTL = client.Ptr(o.ttl)
	}
	if flags.Changed("metric") {
		fields.MetricF = client.Ptr(o.metric)
	}
	fields.Tags = o.tags

	if len(o.attributes) > 0 {
		fields.Attributes = make(map[string]string, len(o.attributes))
		for _, pair := range o.attributes {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return client.Fields{}, fmt.Errorf("%w: attribute %q must be key=value", errUsage, pair)
			}
			fields.Attributes[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return fields, nil
}

func sendFlagAliases(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "attr":
		name = "attribute"
	case "metric_f":
		name = "metric"
	}
	return pflag.NormalizedName(name)
}

// query runs QUERY against the server index and prints matching events.
// Params: ctx send context; global server flags; args exactly one query string.
// Returns: usage, configuration (UDP), transport or server error.
func (c *cli) query(ctx context.Context, global globalOptions, args []string) error {
	flags := newFlagSet("query")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(c.stdout, "Usage: riemann [global flags] query QUERY")
			return err
		}
		return usageError(err)
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("%w: query takes exactly one QUERY argument", errUsage)
	}

	t, err := c.transport(global)
	if err != nil {
		return err
	}

	var events []map[string]any
	err = transport.With(ctx, t, func(t transport.Transport) error {
		var queryErr error
		events, queryErr = client.New(t).Query(ctx, flags.Arg(0))
		return queryErr
	})
	if err != nil {
		return err
	}
	return c.writeJSON(events)
}

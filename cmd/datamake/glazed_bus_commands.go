package main

import (
	"context"
	"fmt"
	"strings"

	"datamake/internal/serviceapi"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

func appendStringFlag(args []string, name string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return args
	}
	return append(args, "--"+name, value)
}

func appendIntFlag(args []string, name string, value int, defaultValue int) []string {
	if value == defaultValue {
		return args
	}
	return append(args, fmt.Sprintf("--%s=%d", name, value))
}

type busProcessGlazedCommand struct {
	*cmds.CommandDescription
}

type busProcessSettings struct {
	DBPath string `glazed.parameter:"db"`
	Limit  int    `glazed.parameter:"limit"`
}

func newBusProcessGlazedCommand() (*busProcessGlazedCommand, error) {
	return &busProcessGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"process",
			cmds.WithShort("Drain one outbox batch"),
			cmds.WithLong("Claim and process one batch of pending outbox messages."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(".datamake/datamake.db"),
				),
				parameters.NewParameterDefinition(
					"limit",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Maximum number of messages to process"),
					parameters.WithDefault(100),
				),
			),
		),
	}, nil
}

func (c *busProcessGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &busProcessSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, err := serviceapi.NewLocalCore(settings.DBPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	processed, err := core.BusProcessOnce(ctx, settings.Limit)
	if err != nil {
		return err
	}
	fmt.Printf("Processed %d outbox message(s).\n", processed)
	return nil
}

var _ cmds.BareCommand = &busProcessGlazedCommand{}

type busStatsGlazedCommand struct {
	*cmds.CommandDescription
}

type busStatsSettings struct {
	DBPath string `glazed.parameter:"db"`
}

func newBusStatsGlazedCommand() (*busStatsGlazedCommand, error) {
	return &busStatsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"stats",
			cmds.WithShort("Show outbox statistics"),
			cmds.WithLong("Show outbox queue depths and bus health."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(".datamake/datamake.db"),
				),
			),
		),
	}, nil
}

func (c *busStatsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &busStatsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, err := serviceapi.NewLocalCore(settings.DBPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	stats, err := core.BusStats()
	if err != nil {
		return err
	}
	fmt.Printf("Pending: %d\n", stats.PendingCount)
	fmt.Printf("Processing: %d\n", stats.ProcessingCount)
	fmt.Printf("Sent: %d\n", stats.SentCount)
	fmt.Printf("Failed: %d\n", stats.FailedCount)
	fmt.Printf("Total: %d\n", stats.TotalCount)
	if stats.HasPendingBacklog {
		fmt.Printf("Oldest pending age: %ds\n", stats.OldestPendingAge)
	}
	if busErr := core.BusHealth(); busErr != nil {
		fmt.Printf("Bus: unhealthy (%s)\n", busErr.Error())
		return nil
	}
	fmt.Println("Bus: healthy")
	return nil
}

var _ cmds.BareCommand = &busStatsGlazedCommand{}

type healthGlazedCommand struct {
	*cmds.CommandDescription
}

type healthSettings struct {
	Addr    string `glazed.parameter:"addr"`
	Timeout int    `glazed.parameter:"timeout"`
}

func newHealthGlazedCommand() (*healthGlazedCommand, error) {
	return &healthGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"health",
			cmds.WithShort("Probe a running status server"),
			cmds.WithLong("Query the status server health endpoint and print the result."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("Status server address or base URL"),
					parameters.WithDefault(":8722"),
				),
				parameters.NewParameterDefinition(
					"timeout",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Request timeout in seconds"),
					parameters.WithDefault(15),
				),
			),
		),
	}, nil
}

func (c *healthGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &healthSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := []string{}
	args = appendStringFlag(args, "addr", settings.Addr)
	args = appendIntFlag(args, "timeout", settings.Timeout, 15)
	return healthCommand(args)
}

var _ cmds.BareCommand = &healthGlazedCommand{}

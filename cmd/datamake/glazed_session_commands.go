package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"datamake/internal/orchestrator"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

const sessionSelectorLayerSlug = "session-selector"

type sessionSelectorSettings struct {
	Session string `glazed.parameter:"session"`
	DBPath  string `glazed.parameter:"db"`
}

func newSessionSelectorLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(sessionSelectorLayerSlug, "Session selector")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"session",
			parameters.ParameterTypeString,
			parameters.WithHelp("Session identifier (defaults to the most recent session)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"db",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to SQLite DB"),
			parameters.WithDefault(".datamake/datamake.db"),
		),
	)
	return layer, nil
}

func newSessionSelectorCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	sessionSelectorLayer, err := newSessionSelectorLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(sessionSelectorLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeSessionSelector(parsedLayers *layers.ParsedLayers) (*sessionSelectorSettings, error) {
	settings := &sessionSelectorSettings{}
	if err := parsedLayers.InitializeStruct(sessionSelectorLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func openSelectedService(selector *sessionSelectorSettings) (*orchestrator.Service, error) {
	return orchestrator.NewService(selector.DBPath)
}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	desc, err := newSessionSelectorCommandDescription(
		"status",
		"Print session status",
		"Show status, pointers, and recent events for the selected session.",
	)
	if err != nil {
		return nil, err
	}
	return &statusGlazedCommand{CommandDescription: desc}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	selector, err := initializeSessionSelector(parsedLayers)
	if err != nil {
		return err
	}
	service, err := openSelectedService(selector)
	if err != nil {
		return err
	}
	defer func() { _ = service.Shutdown() }()
	status, err := service.Status(selector.Session)
	if err != nil {
		return err
	}
	fmt.Print(status)
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type sessionsGlazedCommand struct {
	*cmds.CommandDescription
}

type sessionsSettings struct {
	Limit int `glazed.parameter:"limit"`
}

func newSessionsGlazedCommand() (*sessionsGlazedCommand, error) {
	desc, err := newSessionSelectorCommandDescription(
		"sessions",
		"List recorded sessions",
		"List recorded sessions, newest first.",
		parameters.NewParameterDefinition(
			"limit",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Maximum number of sessions to list"),
			parameters.WithDefault(20),
		),
	)
	if err != nil {
		return nil, err
	}
	return &sessionsGlazedCommand{CommandDescription: desc}, nil
}

func (c *sessionsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	selector, err := initializeSessionSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &sessionsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := openSelectedService(selector)
	if err != nil {
		return err
	}
	defer func() { _ = service.Shutdown() }()
	records, err := service.Sessions(settings.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	for _, record := range records {
		line := fmt.Sprintf("%s  %-9s  %s", record.SessionID, record.Status, strings.Join(record.Targets, ","))
		if record.ExitCode != nil {
			line += fmt.Sprintf("  exit=%d", *record.ExitCode)
		}
		line += "  " + record.CreatedAt.Format(time.RFC3339)
		fmt.Println(line)
	}
	return nil
}

var _ cmds.BareCommand = &sessionsGlazedCommand{}

type eventsGlazedCommand struct {
	*cmds.CommandDescription
}

type eventsSettings struct {
	Limit int `glazed.parameter:"limit"`
}

func newEventsGlazedCommand() (*eventsGlazedCommand, error) {
	desc, err := newSessionSelectorCommandDescription(
		"events",
		"List audit events",
		"List audit events, optionally filtered to one session.",
		parameters.NewParameterDefinition(
			"limit",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Maximum number of events to list"),
			parameters.WithDefault(50),
		),
	)
	if err != nil {
		return nil, err
	}
	return &eventsGlazedCommand{CommandDescription: desc}, nil
}

func (c *eventsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	selector, err := initializeSessionSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &eventsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := openSelectedService(selector)
	if err != nil {
		return err
	}
	defer func() { _ = service.Shutdown() }()
	events, err := service.Events(selector.Session, settings.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}
	for _, event := range events {
		line := fmt.Sprintf("%s  %s  %s", event.CreatedAt.Format(time.RFC3339), event.SessionID, event.EventType)
		if event.FromState != "" || event.ToState != "" {
			line += fmt.Sprintf("  %s -> %s", event.FromState, event.ToState)
		}
		if event.Message != "" {
			line += "  " + event.Message
		}
		fmt.Println(line)
	}
	return nil
}

var _ cmds.BareCommand = &eventsGlazedCommand{}

type pointersGlazedCommand struct {
	*cmds.CommandDescription
}

func newPointersGlazedCommand() (*pointersGlazedCommand, error) {
	desc, err := newSessionSelectorCommandDescription(
		"pointers",
		"List status pointers",
		"List the RUNNING/LATEST/FINISHED/ABORTED pointers and FINISHED backups.",
	)
	if err != nil {
		return nil, err
	}
	return &pointersGlazedCommand{CommandDescription: desc}, nil
}

func (c *pointersGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	selector, err := initializeSessionSelector(parsedLayers)
	if err != nil {
		return err
	}
	service, err := openSelectedService(selector)
	if err != nil {
		return err
	}
	defer func() { _ = service.Shutdown() }()
	pointers, err := service.Pointers()
	if err != nil {
		return err
	}
	if len(pointers) == 0 {
		fmt.Println("No pointers set.")
		return nil
	}
	for _, pointer := range pointers {
		fmt.Printf("%-12s -> %s (%s)\n", pointer.Name, pointer.SessionID, pointer.Workspace)
	}
	return nil
}

var _ cmds.BareCommand = &pointersGlazedCommand{}

type logGlazedCommand struct {
	*cmds.CommandDescription
}

type logSettings struct {
	Lines int `glazed.parameter:"lines"`
}

func newLogGlazedCommand() (*logGlazedCommand, error) {
	desc, err := newSessionSelectorCommandDescription(
		"log",
		"Print a session's unified log tail",
		"Print the last lines of the selected session's unified log.",
		parameters.NewParameterDefinition(
			"lines",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Number of log lines to show"),
			parameters.WithDefault(20),
		),
	)
	if err != nil {
		return nil, err
	}
	return &logGlazedCommand{CommandDescription: desc}, nil
}

func (c *logGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	selector, err := initializeSessionSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &logSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := openSelectedService(selector)
	if err != nil {
		return err
	}
	defer func() { _ = service.Shutdown() }()
	lines, err := service.LogTail(selector.Session, settings.Lines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

var _ cmds.BareCommand = &logGlazedCommand{}

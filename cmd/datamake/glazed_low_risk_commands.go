package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"datamake/internal/policy"
	"datamake/internal/server"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default datamake policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type policyShowGlazedCommand struct {
	*cmds.CommandDescription
}

type policyShowSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyShowGlazedCommand() (*policyShowGlazedCommand, error) {
	return &policyShowGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show",
			cmds.WithShort("Print the effective policy"),
			cmds.WithLong("Load the policy file, apply defaults, and print the effective configuration."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .datamake/policy.json)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *policyShowGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyShowSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, path, err := policy.Load(settings.Path)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("Policy: %s\n", path)
	fmt.Println(string(encoded))
	return nil
}

var _ cmds.BareCommand = &policyShowGlazedCommand{}

type doctorGlazedCommand struct {
	*cmds.CommandDescription
}

type doctorSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	DBPath     string `glazed.parameter:"db"`
}

func newDoctorGlazedCommand() (*doctorGlazedCommand, error) {
	return &doctorGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"doctor",
			cmds.WithShort("Check local prerequisites"),
			cmds.WithLong("Verify external binaries, the policy file, and the database location."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .datamake/policy.json)"),
					parameters.WithDefault(""),
				),
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

func (c *doctorGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &doctorSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	failed := false
	report := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("  %-20s FAIL  %v\n", name, err)
			return
		}
		fmt.Printf("  %-20s ok\n", name)
	}

	fmt.Println("Checks:")
	cfg, policyPath, policyErr := policy.Load(settings.PolicyPath)
	report("policy ("+policyPath+")", policyErr)

	shell := cfg.Execution.Shell
	if strings.TrimSpace(shell) == "" {
		shell = "/bin/sh"
	}
	for _, binary := range []string{"sqlite3", "pgrep", shell} {
		_, lookErr := exec.LookPath(binary)
		report(binary, lookErr)
	}

	dbDir := filepath.Dir(settings.DBPath)
	report("db dir ("+dbDir+")", os.MkdirAll(dbDir, 0o755))

	if failed {
		return fmt.Errorf("doctor found problems")
	}
	fmt.Println("All checks passed.")
	return nil
}

var _ cmds.BareCommand = &doctorGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	DBPath          string `glazed.parameter:"db"`
	PolicyPath      string `glazed.parameter:"policy"`
	WorkerInterval  string `glazed.parameter:"worker-interval"`
	WorkerBatchSize int    `glazed.parameter:"worker-batch-size"`
	WorkerLogPeriod string `glazed.parameter:"worker-log-period"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the status API server"),
			cmds.WithLong("Start the datamake status API server and outbox worker loop."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address (defaults to policy server.addr)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(".datamake/datamake.db"),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .datamake/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"worker-interval",
					parameters.ParameterTypeString,
					parameters.WithHelp("Outbox worker loop interval"),
					parameters.WithDefault("500ms"),
				),
				parameters.NewParameterDefinition(
					"worker-batch-size",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Outbox worker ProcessOnce batch size"),
					parameters.WithDefault(100),
				),
				parameters.NewParameterDefinition(
					"worker-log-period",
					parameters.ParameterTypeString,
					parameters.WithHelp("Outbox worker summary log period"),
					parameters.WithDefault("15s"),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	addr := strings.TrimSpace(settings.Addr)
	if addr == "" {
		cfg, _, err := policy.Load(settings.PolicyPath)
		if err != nil {
			return err
		}
		addr = cfg.Server.Addr
	}
	workerInterval, err := parseDurationSetting("worker-interval", settings.WorkerInterval)
	if err != nil {
		return err
	}
	workerLogPeriod, err := parseDurationSetting("worker-log-period", settings.WorkerLogPeriod)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	runtime, err := server.NewRuntime(server.Options{
		Addr:            addr,
		DBPath:          settings.DBPath,
		WorkerInterval:  workerInterval,
		WorkerBatchSize: settings.WorkerBatchSize,
		WorkerLogPeriod: workerLogPeriod,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("datamake serve listening on %s\n", addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}

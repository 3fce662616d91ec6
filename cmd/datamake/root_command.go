package main

import (
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

type legacyPassthroughSpec struct {
	Use     string
	Short   string
	Aliases []string
	Run     func(args []string) error
}

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "datamake",
		Short:         "run target-based data pipeline sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	migrated := []cmds.Command{}
	statusCmd, err := newStatusGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, statusCmd)

	sessionsCmd, err := newSessionsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, sessionsCmd)

	eventsCmd, err := newEventsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, eventsCmd)

	pointersCmd, err := newPointersGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, pointersCmd)

	logCmd, err := newLogGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, logCmd)

	doctorCmd, err := newDoctorGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, doctorCmd)

	serveCmd, err := newServeGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, serveCmd)

	healthCmd, err := newHealthGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, healthCmd)

	for _, command := range migrated {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	if err := addGroupedCommandTrees(rootCmd); err != nil {
		return nil, err
	}

	legacySpecs := []legacyPassthroughSpec{
		{Use: "run", Short: "Run a session for the requested targets", Run: runCommand},
		{Use: "satisfied", Short: "Check whether targets are already satisfied", Run: satisfiedCommand},
	}

	for _, spec := range legacySpecs {
		addLegacyPassthroughCommand(rootCmd, spec)
	}

	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

func addLegacyPassthroughCommand(rootCmd *cobra.Command, spec legacyPassthroughSpec) {
	cmd := &cobra.Command{
		Use:                spec.Use,
		Short:              spec.Short,
		Aliases:            spec.Aliases,
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return spec.Run(args)
		},
	}
	rootCmd.AddCommand(cmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func addGroupedCommandTrees(rootCmd *cobra.Command) error {
	policyRoot := &cobra.Command{
		Use:   "policy",
		Short: "Policy subcommands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("policy subcommand is required (init|show)")
		},
	}
	policyInitCmd, err := newPolicyInitGlazedCommand()
	if err != nil {
		return err
	}
	policyInitCobraCmd, err := buildGlazedCobraCommand(policyInitCmd)
	if err != nil {
		return err
	}
	policyRoot.AddCommand(policyInitCobraCmd)

	policyShowCmd, err := newPolicyShowGlazedCommand()
	if err != nil {
		return err
	}
	policyShowCobraCmd, err := buildGlazedCobraCommand(policyShowCmd)
	if err != nil {
		return err
	}
	policyRoot.AddCommand(policyShowCobraCmd)
	rootCmd.AddCommand(policyRoot)

	busRoot := &cobra.Command{
		Use:   "bus",
		Short: "Event bus subcommands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("bus subcommand is required (process|stats)")
		},
	}
	busProcessCmd, err := newBusProcessGlazedCommand()
	if err != nil {
		return err
	}
	busProcessCobraCmd, err := buildGlazedCobraCommand(busProcessCmd)
	if err != nil {
		return err
	}
	busRoot.AddCommand(busProcessCobraCmd)

	busStatsCmd, err := newBusStatsGlazedCommand()
	if err != nil {
		return err
	}
	busStatsCobraCmd, err := buildGlazedCobraCommand(busStatsCmd)
	if err != nil {
		return err
	}
	busRoot.AddCommand(busStatsCobraCmd)
	rootCmd.AddCommand(busRoot)

	return nil
}

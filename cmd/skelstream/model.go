package main

import (
	"github.com/spf13/cobra"

	"github.com/logflow/skelstream/pkg/skeleton"
	"github.com/logflow/skelstream/pkg/tui"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect skeleton models",
}

var modelValidateCmd = &cobra.Command{
	Use:   "validate [model-file]",
	Short: "Validate a skeleton model and describe it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := skeleton.Load(args[0])
		if err != nil {
			return err
		}
		tui.PrintModel(cmd.OutOrStdout(), args[0], m)
		return nil
	},
}

var modelFormatCmd = &cobra.Command{
	Use:   "fmt [model-file]",
	Short: "Print a model in canonical form (sorted, deduplicated YAML)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := skeleton.Load(args[0])
		if err != nil {
			return err
		}
		return skeleton.Encode(cmd.OutOrStdout(), m)
	},
}

func init() {
	modelCmd.AddCommand(modelValidateCmd)
	modelCmd.AddCommand(modelFormatCmd)
}

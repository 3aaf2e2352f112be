package main

import (
	"github.com/spf13/cobra"

	"callobf/internal/image"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <path>",
	Short: "Print a disassembly of a module image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := cmd.Flags().GetBool("tokens")
		if err != nil {
			return err
		}
		mod, err := image.ReadFile(args[0])
		if err != nil {
			return err
		}
		return image.Dump(cmd.OutOrStdout(), mod, image.DumpOptions{Tokens: tokens})
	},
}

func init() {
	dumpCmd.Flags().Bool("tokens", false, "prefix rows with their metadata tokens")
}

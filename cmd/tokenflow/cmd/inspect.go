package cmd

import (
	"fmt"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <instance-id>",
	Short: "Dump an instance from the configured store",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var (
	inspectHistory bool
	inspectReplay  bool
)

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&inspectHistory, "history", false, "print the history as well")
	inspectCmd.Flags().BoolVar(&inspectReplay, "replay", false, "rebuild the instance from its history and report differences")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	tf, closeFn, err := cfg.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	inst, err := tf.Instance(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printer := pp.New()
	printer.SetOutput(out)
	printer.SetColoringEnabled(false)
	printer.Println(inst)

	if inspectHistory {
		if err := printHistory(ctx, out, tf, inst.ID); err != nil {
			return err
		}
	}
	if inspectReplay {
		if _, err := tf.Replay(ctx, inst.ID); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		fmt.Fprintln(out, "replay matches stored state")
	}
	return nil
}

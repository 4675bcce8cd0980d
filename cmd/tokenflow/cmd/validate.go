package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/tokenflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition.yaml>...",
	Short: "Compile definitions and print their diagnostics",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tf, closeFn, err := cfg.open(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	invalid := 0
	for _, path := range args {
		raw, err := readDefinition(path)
		if err != nil {
			return err
		}
		err = tf.Validate(raw)
		var ce *tokenflow.CompileError
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s: ok\n", path)
		case errors.As(err, &ce):
			invalid++
			for _, d := range ce.Diagnostics {
				fmt.Fprintf(out, "%s: %s\n", path, d)
			}
		default:
			return err
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", invalid, len(args))
	}
	return nil
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/tokenflow"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <definition.yaml>...",
	Short: "Resume the running instances found in the configured store",
	Long: `Deploy the given definitions, then resume every running or suspended
instance of the configured store and keep driving them. Without --wait the
command returns once the instances are resumed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecover,
}

var recoverWait bool

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().BoolVar(&recoverWait, "wait", true, "wait until every recovered instance ends")
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == DriverMemory {
		return fmt.Errorf("nothing to recover from a memory store")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tf, closeFn, err := cfg.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	for _, path := range args {
		raw, err := readDefinition(path)
		if err != nil {
			return err
		}
		if _, err := tf.Deploy(raw); err != nil {
			return err
		}
	}

	n, err := tf.Recover(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "recovered %d instance(s)\n", n)
	if !recoverWait || n == 0 {
		return nil
	}

	// Suspended instances would block until someone resumes them.
	running, err := tf.List(ctx, tokenflow.StatusRunning)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range running {
		g.Go(func() error {
			status, err := tf.Wait(gctx, inst.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "instance %s %s\n", inst.ID, status)
			return nil
		})
	}
	return g.Wait()
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/tokenflow"
)

var runCmd = &cobra.Command{
	Use:   "run <definition.yaml>",
	Short: "Deploy a definition, start one instance and wait for it",
	Long: `Deploy a definition, start an instance with the given variables and wait
until it reaches a terminal status. Each --signal is broadcast once a token of
the instance waits on it, after the optional delay (name@30s).`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runVars    []string
	runSignals []string
	runTimeout time.Duration
	runHistory bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "input variable as key=value (repeatable)")
	runCmd.Flags().StringArrayVar(&runSignals, "signal", nil, "signal to broadcast as name or name@delay (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	runCmd.Flags().BoolVar(&runHistory, "history", true, "print the instance history once it ends")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}
	signals := make([]signalSpec, 0, len(runSignals))
	for _, s := range runSignals {
		spec, err := parseSignal(s)
		if err != nil {
			return err
		}
		signals = append(signals, spec)
	}
	raw, err := readDefinition(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	tf, closeFn, err := cfg.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	def, err := tf.Deploy(raw)
	if err != nil {
		return err
	}
	id, err := tf.StartInstanceVersion(ctx, def.ID, def.Version, vars)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "started %s (%s v%d)\n", id, def.ID, def.Version)

	var status tokenflow.Status
	g, gctx := errgroup.WithContext(ctx)
	waitCtx, done := context.WithCancel(gctx)
	g.Go(func() error {
		defer done()
		var err error
		status, err = tf.Wait(waitCtx, id)
		return err
	})
	for _, spec := range signals {
		g.Go(func() error {
			return deliverSignal(waitCtx, tf, id, spec, out)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(out, "instance %s %s\n", id, status)
	if runHistory {
		if err := printHistory(ctx, out, tf, id); err != nil {
			return err
		}
	}
	if status != tokenflow.StatusCompleted {
		return fmt.Errorf("instance %s ended %s", id, status)
	}
	return nil
}

// deliverSignal broadcasts spec once the instance has a token waiting on it.
// Signals are not buffered, so sending earlier would be lost.
func deliverSignal(ctx context.Context, tf *tokenflow.Tokenflow, id string, spec signalSpec, out io.Writer) error {
	if spec.delay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(spec.delay):
		}
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, w := range tf.PendingWaits(id) {
			if w.Kind == tokenflow.WaitSignal && w.Signal == spec.name {
				n, err := tf.Broadcast(ctx, spec.name, nil)
				if err != nil {
					return fmt.Errorf("broadcasting %s: %w", spec.name, err)
				}
				fmt.Fprintf(out, "signal %s released %d token(s)\n", spec.name, n)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			// The instance ended or the run was interrupted before anything waited.
			return nil
		case <-ticker.C:
		}
	}
}

func printHistory(ctx context.Context, out io.Writer, tf *tokenflow.Tokenflow, id string) error {
	history, err := tf.History(ctx, id)
	if err != nil {
		return err
	}
	for _, h := range history {
		line := fmt.Sprintf("%4d %s %-24s", h.Seq, h.At.Format(time.RFC3339), h.Kind)
		if h.NodeID != "" {
			line += " node=" + h.NodeID
		}
		if h.Target != "" {
			line += " target=" + h.Target
		}
		if h.Attempt > 0 {
			line += fmt.Sprintf(" attempt=%d", h.Attempt)
		}
		if h.Detail != "" {
			line += " " + h.Detail
		}
		if h.Fault != nil {
			line += fmt.Sprintf(" fault=%s", h.Fault.Code)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// Command openevolve drives an evolution run from the command line: load a
// config, load a seed program and an evaluator module, and run the
// controller to completion or until stopped.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"openevolve/pkg/config"
	"openevolve/pkg/controller"
	"openevolve/pkg/evaluator"
	"openevolve/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:     "openevolve",
	Short:   "Evolve a program against an evaluator using an LLM ensemble",
	Version: "0.1.0",
}

func main() {
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var configPath, evaluatorPath, outputDir string
	var targetScore float64
	var hasTargetScore bool

	cmd := &cobra.Command{
		Use:   "run <seed-program>",
		Short: "Run evolution starting from a seed program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg, outputDir)

			seedBytes, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed program: %w", err)
			}
			module, err := evaluator.LoadModule(evaluatorPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			opts := controller.Options{
				Config:    cfg,
				Evaluator: module,
				SeedCode:  string(seedBytes),
				OutputDir: outputDir,
			}
			if hasTargetScore {
				opts.TargetScore = &targetScore
			}

			c, err := controller.New(ctx, opts)
			if err != nil {
				return err
			}
			watchPauseSignals(ctx, c)
			return runAndReport(ctx, c)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the run configuration")
	cmd.Flags().StringVar(&evaluatorPath, "evaluator", "evaluator.go", "path to the evaluator module")
	cmd.Flags().StringVar(&outputDir, "output", "openevolve_output", "directory for checkpoints and the best program")
	cmd.Flags().Float64Var(&targetScore, "target-score", 0, "stop once the best combined score reaches this value")
	cmd.Flags().BoolVar(&hasTargetScore, "stop-at-target", false, "enable --target-score as an early stop condition")

	return cmd
}

func newResumeCommand() *cobra.Command {
	var configPath, evaluatorPath, outputDir, checkpointDir string
	var targetScore float64
	var hasTargetScore bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume evolution from a checkpoint directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg, outputDir)

			module, err := evaluator.LoadModule(evaluatorPath)
			if err != nil {
				return err
			}
			if checkpointDir == "" {
				checkpointDir = latestCheckpoint(filepath.Join(outputDir, "checkpoints"))
			}
			if checkpointDir == "" {
				return fmt.Errorf("no checkpoint found under %s", filepath.Join(outputDir, "checkpoints"))
			}

			ctx, cancel := signalContext()
			defer cancel()

			opts := controller.ResumeOptions{
				Options: controller.Options{
					Config:    cfg,
					Evaluator: module,
					OutputDir: outputDir,
				},
				CheckpointDir: checkpointDir,
			}
			if hasTargetScore {
				opts.TargetScore = &targetScore
			}

			c, lastIteration, err := controller.Resume(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Printf("resuming from iteration %d (%s)\n", lastIteration, checkpointDir)
			watchPauseSignals(ctx, c)
			return runAndReport(ctx, c)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the run configuration")
	cmd.Flags().StringVar(&evaluatorPath, "evaluator", "evaluator.go", "path to the evaluator module")
	cmd.Flags().StringVar(&outputDir, "output", "openevolve_output", "directory for checkpoints and the best program")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint", "", "checkpoint directory to resume from (default: latest under output/checkpoints)")
	cmd.Flags().Float64Var(&targetScore, "target-score", 0, "stop once the best combined score reaches this value")
	cmd.Flags().BoolVar(&hasTargetScore, "stop-at-target", false, "enable --target-score as an early stop condition")

	return cmd
}

func runAndReport(ctx context.Context, c *controller.Controller) error {
	best, err := c.Run(ctx)
	if err != nil {
		return err
	}
	if best == nil {
		fmt.Println("run produced no program")
		return nil
	}
	fmt.Printf("run %s complete: best program %s (generation %d)\n", c.RunID(), best.ID, best.Generation)
	for name, value := range best.Metrics {
		fmt.Printf("  %s: %.4f\n", name, value)
	}
	return nil
}

// signalContext cancels on SIGINT/SIGTERM so Run's cooperative Stop path
// (spec.md §5 "Cancellation & timeouts") gets a chance to save the best
// program and emit a complete event before the process exits.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// watchPauseSignals maps SIGUSR1/SIGUSR2 to Controller.Pause/Continue: the
// CLI equivalent of the Control API's pause endpoint (SPEC_FULL.md §5),
// since there's no separate long-lived server process to address with a
// pause subcommand. `kill -USR1 <pid>` pauses the run between iterations;
// `kill -USR2 <pid>` resumes it.
func watchPauseSignals(ctx context.Context, c *controller.Controller) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigCh)
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGUSR1:
					c.Pause()
				case syscall.SIGUSR2:
					c.Continue()
				}
			}
		}
	}()
}

func setupLogging(cfg *config.Config, outputDir string) {
	outputs := []logging.Output{logging.NewConsoleOutput(false)}
	if cfg.LogDir != "" {
		logDir := cfg.LogDir
		if !filepath.IsAbs(logDir) {
			logDir = filepath.Join(outputDir, logDir)
		}
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			if fileOut, err := logging.NewFileOutput(filepath.Join(logDir, "evolution.log")); err == nil {
				outputs = append(outputs, fileOut)
			}
		}
	}
	logging.SetLogger(logging.NewLogger(logging.Config{
		Severity: logging.ParseSeverity(strings.ToUpper(cfg.LogLevel)),
		Outputs:  outputs,
	}))
}

// latestCheckpoint returns the checkpoint_N directory under dir with the
// numerically greatest N, which is also the most recent since N only grows.
func latestCheckpoint(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	best := ""
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "checkpoint_") {
			continue
		}
		if best == "" || checkpointNum(e.Name()) > checkpointNum(best) {
			best = e.Name()
		}
	}
	if best == "" {
		return ""
	}
	return filepath.Join(dir, best)
}

func checkpointNum(name string) int {
	n := 0
	for _, r := range strings.TrimPrefix(name, "checkpoint_") {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

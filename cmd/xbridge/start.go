package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xbridge-proxy/xbridge/internal/manager"
)

var (
	amountFlag     int
	skipTestFlag   bool
	startFirstFlag bool
	startForceFlag bool

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start local HTTP bridges for the best proxies and wait",
		RunE:  runStart,
	}
)

func init() {
	startCmd.Flags().IntVarP(&amountFlag, "amount", "n", 0, "how many bridges to start (0 = one per working proxy)")
	startCmd.Flags().BoolVar(&skipTestFlag, "skip-test", false, "start from cached results without probing")
	startCmd.Flags().BoolVar(&startFirstFlag, "find-first", false, "stop testing once enough working proxies are found")
	startCmd.Flags().BoolVar(&startForceFlag, "force", false, "re-test proxies that have a cached result")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, m, err := setup()
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loadInputs(ctx, cfg, m); err != nil {
		return err
	}

	infos, err := m.Start(ctx, manager.StartOptions{
		Threads:   cfg.ProbeConcurrency,
		Amount:    amountFlag,
		SkipTest:  skipTestFlag,
		FindFirst: startFirstFlag,
		Timeout:   cfg.ProbeTimeout,
		Force:     startForceFlag,
	})
	if err != nil {
		return err
	}

	for _, info := range infos {
		fmt.Printf("bridge %d: %s -> %s (%s)\n", info.ID, info.URL, info.Tag, info.Scheme)
	}

	if cfg.RetestSchedule != "" {
		if err := m.StartRetest(cfg.RetestSchedule, manager.TestOptions{
			Threads: cfg.ProbeConcurrency,
			Timeout: cfg.ProbeTimeout,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}

	// Block until the engine processes exit or a signal arrives.
	if err := m.Wait(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xbridge-proxy/xbridge/internal/config"
	"github.com/xbridge-proxy/xbridge/internal/manager"
	"github.com/xbridge-proxy/xbridge/internal/model"
)

var (
	forceFlag     bool
	findFirstFlag int

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Test the loaded proxies and print the results",
		RunE:  runTest,
	}
)

func init() {
	testCmd.Flags().BoolVar(&forceFlag, "force", false, "re-test proxies that have a cached result")
	testCmd.Flags().IntVar(&findFirstFlag, "find-first", 0, "stop after this many working proxies are found")
}

func runTest(cmd *cobra.Command, args []string) error {
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

	results, err := m.Test(ctx, manager.TestOptions{
		Threads:   cfg.ProbeConcurrency,
		Timeout:   cfg.ProbeTimeout,
		Force:     forceFlag,
		FindFirst: findFirstFlag,
	})
	if err != nil {
		return err
	}

	printResults(os.Stdout, results)
	for _, pe := range m.ParseErrors() {
		fmt.Fprintln(os.Stderr, pe)
	}

	working := 0
	for _, e := range results {
		if e.Status == model.StatusOK {
			working++
		}
	}
	if working == 0 {
		return fmt.Errorf("no working proxies out of %d", len(results))
	}
	fmt.Printf("%d/%d proxies working\n", working, len(results))
	return nil
}

// loadInputs feeds the manager from --source, --proxy and, when neither is
// given, stdin.
func loadInputs(ctx context.Context, cfg *config.EnvConfig, m *manager.Manager) error {
	if len(sourceFlags) > 0 {
		if _, err := m.AddSources(ctx, sourceFlags); err != nil {
			return err
		}
	}
	if len(proxyFlags) > 0 {
		m.AddProxies(proxyFlags)
	}
	if len(sourceFlags) == 0 && len(proxyFlags) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		if _, err := m.AddPayload(data); err != nil {
			return err
		}
	}
	if m.Count() == 0 {
		return fmt.Errorf("no valid proxies loaded")
	}
	return nil
}

func printResults(w io.Writer, results []*model.ProxyEntry) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTAG\tSTATUS\tPING\tCOUNTRY\tDETAIL")
	for _, e := range results {
		ping := "-"
		if v, ok := e.PingValue(); ok {
			ping = fmt.Sprintf("%.0fms", v)
		}
		country := e.ProxyCountry
		if country == "" {
			country = e.Country
		}
		if country == "" {
			country = "-"
		}
		detail := e.Error
		if detail == "" && e.Cached {
			detail = "cached"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.Index, e.Tag, e.Status, ping, country, detail)
	}
	tw.Flush()
}

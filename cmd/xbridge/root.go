package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xbridge-proxy/xbridge/internal/bridge"
	"github.com/xbridge-proxy/xbridge/internal/buildinfo"
	"github.com/xbridge-proxy/xbridge/internal/config"
	"github.com/xbridge-proxy/xbridge/internal/geo"
	"github.com/xbridge-proxy/xbridge/internal/logging"
	"github.com/xbridge-proxy/xbridge/internal/manager"
	"github.com/xbridge-proxy/xbridge/internal/source"
)

var (
	sourceFlags  []string
	proxyFlags   []string
	countryFlag  string
	cachePath    string
	noCache      bool
	threadsFlag  int
	timeoutFlag  time.Duration
	logLevelFlag string

	geoCacheEntries = 4096
	geoCacheTTL     = time.Hour

	rootCmd = &cobra.Command{
		Use:          "xbridge",
		Short:        "Expose remote proxy share links as local HTTP proxies",
		Long: "xbridge parses ss/vmess/vless/trojan share links, tests them through\n" +
			"a local xray/v2ray engine and exposes the working ones as plain HTTP\n" +
			"proxies on 127.0.0.1.",
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("xbridge %s (%s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringArrayVarP(&sourceFlags, "source", "s", nil, "subscription URL or file to load proxies from (repeatable)")
	pf.StringArrayVarP(&proxyFlags, "proxy", "p", nil, "individual share link to load (repeatable)")
	pf.StringVarP(&countryFlag, "country", "c", "", "only use proxies observed in this country (code or name)")
	pf.StringVar(&cachePath, "cache", "", "path of the test result cache file")
	pf.BoolVar(&noCache, "no-cache", false, "disable reading and writing of cached test results")
	pf.IntVarP(&threadsFlag, "threads", "t", 0, "probe concurrency")
	pf.DurationVar(&timeoutFlag, "timeout", 0, "per-proxy probe timeout")
	pf.StringVar(&logLevelFlag, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd, testCmd, startCmd)
}

// loadConfig merges the environment config with command line flags; flags
// win.
func loadConfig() (*config.EnvConfig, error) {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return nil, err
	}
	if cachePath != "" {
		cfg.CachePath = cachePath
	}
	if noCache {
		cfg.DisableCache = true
	}
	if countryFlag != "" {
		cfg.Country = countryFlag
	}
	if threadsFlag > 0 {
		cfg.ProbeConcurrency = threadsFlag
	}
	if timeoutFlag > 0 {
		cfg.ProbeTimeout = timeoutFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	return cfg, nil
}

// newManager wires a manager from the merged config.
func newManager(cfg *config.EnvConfig) (*manager.Manager, error) {
	var resolvers geo.Multi
	if cfg.MMDBPath != "" {
		mmdb, err := geo.OpenMMDB(cfg.MMDBPath)
		if err != nil {
			return nil, fmt.Errorf("open geo database: %w", err)
		}
		resolvers = append(resolvers, mmdb)
	}
	resolvers = append(resolvers, geo.NewHTTPResolver(cfg.GeoToken, cfg.UserAgent))

	sup := bridge.NewSupervisor()
	sup.Binary = cfg.XrayPath

	return manager.New(manager.Options{
		Country:      cfg.Country,
		MaxProxies:   cfg.MaxProxies,
		CachePath:    cfg.CachePath,
		DisableCache: cfg.DisableCache,
		TestURL:      cfg.TestURL,
		UserAgent:    cfg.UserAgent,
		Geo:          geo.NewCached(resolvers, geoCacheEntries, geoCacheTTL),
		Supervisor:   sup,
		Sources:      source.NewReader(cfg.SourceFetchTimeout, cfg.UserAgent),
	}), nil
}

// setup is the shared preamble of the workload commands: merge config,
// initialize logging and wire a manager.
func setup() (*config.EnvConfig, *manager.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logging.Init(cfg.LogLevel)
	m, err := newManager(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

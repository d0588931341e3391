package config

import "flag"

var (
	flagConfig     = flag.String("config", "", "Path to config file")
	flagDebug      = flag.Bool("debug", false, "Enable debug logging")
	flagThreads    = flag.Int("threads", 0, "Number of database pager threads")
	flagMaxPLODs   = flag.Int("max-plods", 0, "Target maximum number of resident PagedLOD nodes")
	flagPreCompile = flag.Bool("precompile", false, "Upload loaded geometry before merging")
	flagRatio      = flag.Float64("ratio", 0, "Simplifier sample ratio")
	flagMetrics    = flag.String("metrics", "", "Address for the Prometheus /metrics endpoint")
	flagTiles      = flag.String("tiles", "", "Tile directory (replaces configured tile_dirs)")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagThreads > 0 {
		cfg.Pager.NumThreads = *flagThreads
	}
	if *flagMaxPLODs > 0 {
		cfg.Pager.TargetMaxPagedLODs = *flagMaxPLODs
	}
	if *flagPreCompile {
		cfg.Pager.PreCompile = true
	}
	if *flagRatio > 0 {
		cfg.Simplifier.SampleRatio = float32(*flagRatio)
	}
	if *flagMetrics != "" {
		cfg.Metrics.Listen = *flagMetrics
	}
	if *flagTiles != "" {
		cfg.Data.TileDirs = []string{*flagTiles}
	}
}

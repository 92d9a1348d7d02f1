package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/grafi-tt/tilemaker/internal/logger"
)

var (
	verbose         bool
	logFile         string
	metricsInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "tilemaker",
	Short: "Convert OpenStreetMap .pbf files into vector tiles",
	Long: `tilemaker converts OpenStreetMap extracts into zoom-sliced vector
tiles, driven by a JSON layer configuration and a Lua tag-processing
script.

Features:
  - Three-pass streaming PBF read with bounded peak memory
  - Multipolygon relation assembly with tolerant ring stitching
  - Per-layer zoom ranges, simplification and write_to grouping
  - Shapefile layer sources with optional spatial index
  - mbtiles or z/x/y directory output, gzip/deflate compression`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(verbose, logFile)
	},
}

// Execute runs the command tree.
func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&metricsInterval, "metrics-interval", 30*time.Second, "Interval for system metrics logging (e.g., 10s, 1m)")
}

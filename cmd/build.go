package cmd

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grafi-tt/tilemaker/internal/config"
	"github.com/grafi-tt/tilemaker/internal/ingest"
	"github.com/grafi-tt/tilemaker/internal/logger"
	"github.com/grafi-tt/tilemaker/internal/mbtiles"
	"github.com/grafi-tt/tilemaker/internal/metrics"
	"github.com/grafi-tt/tilemaker/internal/script"
	"github.com/grafi-tt/tilemaker/internal/shapefile"
	"github.com/grafi-tt/tilemaker/internal/store"
	"github.com/grafi-tt/tilemaker/internal/tile"
)

var (
	inputFiles  []string
	outputPath  string
	configPath  string
	processPath string
	flatNodes   string
	workers     int
)

var buildCmd = &cobra.Command{
	Use:   "build [input.osm.pbf ...]",
	Short: "Build vector tiles from OSM extracts",
	RunE: func(cmd *cobra.Command, args []string) error {
		inputFiles = append(inputFiles, args...)
		if len(inputFiles) == 0 {
			return fmt.Errorf("you must specify at least one source .osm.pbf file")
		}
		if outputPath == "" {
			return fmt.Errorf("you must specify an output file or directory")
		}
		return runBuild(cmd.Context())
	},
}

func init() {
	buildCmd.Flags().StringSliceVarP(&inputFiles, "input", "i", nil, "Source .osm.pbf file")
	buildCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Target directory or .mbtiles/.sqlite file")
	buildCmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "Config JSON (or YAML) file")
	buildCmd.Flags().StringVarP(&processPath, "process", "p", "process.lua", "Tag-processing Lua file")
	buildCmd.Flags().StringVar(&flatNodes, "flat-nodes", "", "Store node coordinates in a memory-mapped file instead of RAM")
	buildCmd.Flags().IntVarP(&workers, "workers", "j", runtime.NumCPU(), "Number of parallel tile-writing workers")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(ctx context.Context) error {
	log := logger.Get()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// the clipping box comes from the first input's header unless the
	// config overrides it
	var clip *tile.ClipBox
	if cfg.HasBoundingBox() {
		clip = tile.NewClipBox(cfg.Settings.BoundingBox, true)
	} else {
		bound, ok, err := ingest.ReadHeaderBound(ctx, inputFiles[0])
		if err != nil {
			return err
		}
		if ok {
			clip = tile.NewClipBox(bound, false)
		}
	}
	if err := cfg.ValidateSources(clip != nil); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cache := &tile.GeometryCache{}
	idx := make(tile.Index)
	shapes := shapefile.NewIndex()

	rt := script.NewRuntime(cfg, st, shapes)
	defer rt.Close()
	if err := rt.LoadFile(processPath); err != nil {
		return err
	}
	if err := rt.CallInit(); err != nil {
		return err
	}

	if clip != nil {
		loader := &shapefile.Loader{
			Cfg:     cfg,
			Cache:   cache,
			TileIdx: idx,
			Idx:     shapes,
			Clip: orb.Bound{
				Min: orb.Point{clip.MinLon, clip.MinLatp},
				Max: orb.Point{clip.MaxLon, clip.MaxLatp},
			},
		}
		if err := loader.LoadAll(); err != nil {
			return err
		}
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	go metrics.NewCollector(metricsInterval, log).Start(metricsCtx)
	defer stopMetrics()

	ing := ingest.New(cfg, st, rt, idx)
	for _, input := range inputFiles {
		if err := ing.ReadFile(ctx, input); err != nil {
			return err
		}
	}

	sink, err := openSink(cfg)
	if err != nil {
		return err
	}

	emitter := &tile.Emitter{
		Cfg:     cfg,
		Store:   st,
		Cache:   cache,
		Index:   idx,
		Clip:    clip,
		Sink:    sink,
		Workers: workers,
	}
	if err := emitter.Run(ctx); err != nil {
		sink.Close()
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}

	log.Info("Filled the tileset with good things", zap.String("output", outputPath))
	return rt.CallExit()
}

func openStore() (*store.OSMStore, error) {
	if flatNodes != "" {
		return store.NewOSMStoreFlatNodes(flatNodes)
	}
	return store.NewOSMStore(), nil
}

func openSink(cfg *config.Config) (tile.Sink, error) {
	if !strings.HasSuffix(outputPath, ".mbtiles") && !strings.HasSuffix(outputPath, ".sqlite") {
		return &tile.DirSink{Root: outputPath}, nil
	}

	db, err := mbtiles.Open(outputPath)
	if err != nil {
		return nil, err
	}
	md := map[string]string{
		"name":        cfg.Settings.Name,
		"type":        "baselayer",
		"version":     cfg.Settings.Version,
		"description": cfg.Settings.Description,
		"format":      "pbf",
	}
	for name, value := range md {
		if err := db.WriteMetadata(name, value); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := db.WriteMetadataMap(cfg.Settings.Metadata); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

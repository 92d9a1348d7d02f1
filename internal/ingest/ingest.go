// Package ingest streams OSM PBF extracts into the stores and the tile
// index. Each input is read in three passes so that peak memory stays
// bounded: nodes first, then the ways referenced by relations together
// with the relations themselves, then all ways.
package ingest

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"

	"github.com/grafi-tt/tilemaker/internal/config"
	"github.com/grafi-tt/tilemaker/internal/logger"
	"github.com/grafi-tt/tilemaker/internal/proj"
	"github.com/grafi-tt/tilemaker/internal/script"
	"github.com/grafi-tt/tilemaker/internal/store"
	"github.com/grafi-tt/tilemaker/internal/tile"
)

// Ingester drives the three-pass read. The scripting hook labels entities;
// the ingester owns all store writes.
type Ingester struct {
	cfg *config.Config
	st  *store.OSMStore
	rt  *script.Runtime
	idx tile.Index

	nodeKeySet map[string]struct{}

	// waysNeeded lives between pass 1 and pass 2 only.
	waysNeeded map[store.WayID]struct{}
	// wayRelations obliges each member way to carry its relations' output
	// objects into every tile the way touches.
	wayRelations map[store.WayID][]store.WayID
	// relObjects defers relation output until the member ways are read in
	// pass 3.
	relObjects map[store.WayID][]tile.OutputObject

	nextRelID store.WayID
}

// New prepares an ingester writing into st and idx, labeling via rt.
func New(cfg *config.Config, st *store.OSMStore, rt *script.Runtime, idx tile.Index) *Ingester {
	nodeKeySet := make(map[string]struct{})
	for _, k := range rt.NodeKeys() {
		nodeKeySet[k] = struct{}{}
	}
	return &Ingester{
		cfg:          cfg,
		st:           st,
		rt:           rt,
		idx:          idx,
		nodeKeySet:   nodeKeySet,
		wayRelations: make(map[store.WayID][]store.WayID),
		relObjects:   make(map[store.WayID][]tile.OutputObject),
		nextRelID:    store.FirstRelationID,
	}
}

// ReadHeaderBound reads the bounding box from a PBF header, if present.
// The values are [minLon, minLat, maxLon, maxLat] degrees.
func ReadHeaderBound(ctx context.Context, path string) ([]float64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("couldn't open .pbf file %s: %w", path, err)
	}
	defer f.Close()

	scanner := osmpbf.New(ctx, f, 1)
	defer scanner.Close()
	header, err := scanner.Header()
	if err != nil {
		return nil, false, fmt.Errorf("couldn't read header of %s: %w", path, err)
	}
	if header.Bounds == nil {
		return nil, false, nil
	}
	b := header.Bounds
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}, true, nil
}

// ReadFile runs the three passes over one input file.
func (g *Ingester) ReadFile(ctx context.Context, path string) error {
	log := logger.Get()
	log.Info("Reading", zap.String("input", path))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("couldn't open .pbf file %s: %w", path, err)
	}
	defer f.Close()

	if err := g.passNodes(ctx, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := g.passRelations(ctx, f); err != nil {
		return err
	}
	// the way store held only relation-referenced ways for assembly; the
	// full population happens in pass 3
	g.st.Ways.Clear()
	g.waysNeeded = nil
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return g.passWays(ctx, f)
}

// passNodes stores every node, labels the significant ones, and collects
// the set of ways referenced by any relation.
func (g *Ingester) passNodes(ctx context.Context, f *os.File) error {
	log := logger.Get()
	g.waysNeeded = make(map[store.WayID]struct{})

	scanner := osmpbf.New(ctx, f, 1)
	defer scanner.Close()
	scanner.SkipWays = true

	nodes := 0
	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			ll := store.LatpLon{
				Latp: int32(math.Round(proj.Lat2latp(o.Lat) * 1e7)),
				Lon:  int32(math.Round(o.Lon * 1e7)),
			}
			if err := g.st.Nodes.InsertBack(store.NodeID(o.ID), ll); err != nil {
				return fmt.Errorf("node %d: %w", o.ID, err)
			}
			nodes++
			if nodes%5_000_000 == 0 {
				log.Debug("Node pass progress", zap.Int("nodes", nodes))
			}

			if !g.significantNode(o.Tags) {
				continue
			}
			outs, err := g.rt.ProcessNode(store.NodeID(o.ID), o.Tags.Map())
			if err != nil {
				return err
			}
			if len(outs) > 0 {
				cell := tile.Cell(
					proj.Lon2tilex(o.Lon, g.cfg.Settings.Basezoom),
					proj.Latp2tiley(float64(ll.Latp)/1e7, g.cfg.Settings.Basezoom),
				)
				g.idx.Add(cell, outs...)
			}
		case *osm.Relation:
			for _, m := range o.Members {
				if m.Type == osm.TypeWay {
					g.waysNeeded[store.WayID(m.Ref)] = struct{}{}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	log.Info("Node pass complete", zap.Int("nodes", nodes))
	return nil
}

// passRelations stores the node lists of relation-referenced ways, then
// processes multipolygon relations: script hook, ring assembly, relation
// store insert, backlinks, and the deferred output stash.
func (g *Ingester) passRelations(ctx context.Context, f *os.File) error {
	log := logger.Get()

	scanner := osmpbf.New(ctx, f, 1)
	defer scanner.Close()
	scanner.SkipNodes = true

	relations := 0
	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Way:
			wayID := store.WayID(o.ID)
			if _, ok := g.waysNeeded[wayID]; !ok {
				continue
			}
			if err := g.st.Ways.InsertBack(wayID, wayNodeIDs(o)); err != nil {
				return fmt.Errorf("way %d: %w", o.ID, err)
			}
		case *osm.Relation:
			if o.Tags.Find("type") != "multipolygon" {
				continue
			}
			// members with role inner are holes; outer and unset roles
			// both count as outer so that roleless relations still work
			var outer, inner []store.WayID
			for _, m := range o.Members {
				if m.Type != osm.TypeWay {
					continue
				}
				if m.Role == "inner" {
					inner = append(inner, store.WayID(m.Ref))
				} else {
					outer = append(outer, store.WayID(m.Ref))
				}
			}

			outs, err := g.rt.ProcessRelation(g.nextRelID, o.Tags.Map(), outer, inner)
			if err != nil {
				return err
			}
			if len(outs) == 0 {
				continue
			}

			relID := g.nextRelID
			g.nextRelID--
			seq := g.rt.AssembledSequence()
			if err := g.st.Relations.InsertFront(relID, seq); err != nil {
				return fmt.Errorf("relation %d: %w", o.ID, err)
			}
			for _, wayID := range outer {
				g.wayRelations[wayID] = append(g.wayRelations[wayID], relID)
			}
			for _, wayID := range inner {
				g.wayRelations[wayID] = append(g.wayRelations[wayID], relID)
			}
			g.relObjects[relID] = outs
			relations++
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	log.Info("Relation pass complete", zap.Int("multipolygons", relations))
	return nil
}

// passWays labels every way, stores the significant ones (and those any
// relation needs), and registers output objects under each base-zoom cell
// the way passes through. Relation outputs ride along on their member
// ways' footprints, so a multipolygon's tile membership is the union of
// its constituents'.
func (g *Ingester) passWays(ctx context.Context, f *os.File) error {
	log := logger.Get()

	scanner := osmpbf.New(ctx, f, 1)
	defer scanner.Close()
	scanner.SkipNodes = true
	scanner.SkipRelations = true

	ways := 0
	for scanner.Scan() {
		o, ok := scanner.Object().(*osm.Way)
		if !ok {
			continue
		}
		wayID := store.WayID(o.ID)
		nodeIDs := wayNodeIDs(o)

		outs, err := g.rt.ProcessWay(wayID, o.Tags.Map(), nodeIDs)
		if err != nil {
			return err
		}
		rels := g.wayRelations[wayID]
		if len(outs) == 0 && len(rels) == 0 {
			continue
		}

		if err := g.st.Ways.InsertBack(wayID, nodeIDs); err != nil {
			return fmt.Errorf("way %d: %w", o.ID, err)
		}

		for cell := range g.wayCells(nodeIDs) {
			g.idx.Add(cell, outs...)
			for _, relID := range rels {
				g.idx.Add(cell, g.relObjects[relID]...)
			}
		}
		ways++
		if ways%1_000_000 == 0 {
			log.Debug("Way pass progress", zap.Int("ways", ways))
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	log.Info("Way pass complete", zap.Int("ways", ways))
	return nil
}

// significantNode reports whether any tag key is in the script's node_keys
// set; nodes failing this filter are stored but never passed to the hook.
func (g *Ingester) significantNode(tags osm.Tags) bool {
	for _, t := range tags {
		if _, ok := g.nodeKeySet[t.Key]; ok {
			return true
		}
	}
	return false
}

func wayNodeIDs(w *osm.Way) []store.NodeID {
	ids := make([]store.NodeID, len(w.Nodes))
	for i, n := range w.Nodes {
		ids[i] = store.NodeID(n.ID)
	}
	return ids
}

// wayCells walks consecutive node pairs and collects every base-zoom cell
// the way passes through. Segments jumping two or more tiles in either
// axis (the diagonal one-by-one case included) get intermediate cells
// filled in by sampling the segment at tile granularity.
func (g *Ingester) wayCells(nodeIDs []store.NodeID) map[uint32]struct{} {
	log := logger.Get()
	base := g.cfg.Settings.Basezoom
	cells := make(map[uint32]struct{})

	var lastX, lastY uint
	var lastLL store.LatpLon
	have := false
	for _, id := range nodeIDs {
		ll, err := g.st.Nodes.At(id)
		if err != nil {
			log.Warn("way references a node with no stored coordinate",
				zap.Uint64("node", uint64(id)))
			continue
		}
		x := proj.Lon2tilex(float64(ll.Lon)/1e7, base)
		y := proj.Latp2tiley(float64(ll.Latp)/1e7, base)
		if have {
			dx := absDiff(x, lastX)
			dy := absDiff(y, lastY)
			if dx > 1 || dy > 1 || (dx == 1 && dy == 1) {
				insertIntermediateTiles(cells, max(dx, dy), lastLL, ll, base)
			}
		}
		cells[tile.Cell(x, y)] = struct{}{}
		lastX, lastY, lastLL, have = x, y, ll, true
	}
	return cells
}

// insertIntermediateTiles rasterizes one segment at tile granularity,
// sampling twice per skipped tile so diagonal steps pick up a corner cell.
func insertIntermediateTiles(cells map[uint32]struct{}, n uint, a, b store.LatpLon, zoom uint) {
	steps := 2 * n
	for i := uint(1); i < steps; i++ {
		t := float64(i) / float64(steps)
		lon := (float64(a.Lon) + t*(float64(b.Lon)-float64(a.Lon))) / 1e7
		latp := (float64(a.Latp) + t*(float64(b.Latp)-float64(a.Latp))) / 1e7
		cells[tile.Cell(proj.Lon2tilex(lon, zoom), proj.Latp2tiley(latp, zoom))] = struct{}{}
	}
}

func absDiff(a, b uint) uint {
	if a > b {
		return a - b
	}
	return b - a
}

// Package shapefile loads pre-clipped shapefile layer sources into the
// geometry cache and the tile index, optionally building a spatial index
// for the scripting hook's intersection queries.
package shapefile

import (
	"fmt"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/tidwall/rtree"
	"go.uber.org/zap"

	"github.com/grafi-tt/tilemaker/internal/config"
	"github.com/grafi-tt/tilemaker/internal/logger"
	"github.com/grafi-tt/tilemaker/internal/proj"
	"github.com/grafi-tt/tilemaker/internal/tile"
)

// Index holds one R-tree per indexed layer, keyed by layer name, over the
// bounds of cached shapefile geometries; each entry carries the value of
// the layer's configured index column.
type Index struct {
	trees map[string]*rtree.RTree
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{trees: make(map[string]*rtree.RTree)}
}

// Has reports whether a layer was indexed.
func (ix *Index) Has(layerName string) bool {
	_, ok := ix.trees[layerName]
	return ok
}

// FindIntersecting returns the index-column names of indexed shapes whose
// bounds intersect b.
func (ix *Index) FindIntersecting(layerName string, b orb.Bound) []string {
	tr, ok := ix.trees[layerName]
	if !ok {
		return nil
	}
	var names []string
	tr.Search([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]},
		func(min, max [2]float64, value interface{}) bool {
			names = append(names, value.(string))
			return true
		})
	return names
}

// Intersects reports whether any indexed shape's bounds intersect b.
func (ix *Index) Intersects(layerName string, b orb.Bound) bool {
	tr, ok := ix.trees[layerName]
	if !ok {
		return false
	}
	hit := false
	tr.Search([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]},
		func(min, max [2]float64, value interface{}) bool {
			hit = true
			return false
		})
	return hit
}

// Loader reads the configured shapefile sources.
type Loader struct {
	Cfg     *config.Config
	Cache   *tile.GeometryCache
	TileIdx tile.Index
	Idx     *Index
	// Clip is the clipping box in projected (lon, latp) space; shapefile
	// reading requires one.
	Clip orb.Bound
}

// LoadAll reads every layer that names a source.
func (l *Loader) LoadAll() error {
	for num, ld := range l.Cfg.Layers {
		if ld.Source == "" {
			continue
		}
		if err := l.loadLayer(uint32(num), ld); err != nil {
			return fmt.Errorf("layer %q: %w", ld.Name, err)
		}
	}
	return nil
}

func (l *Loader) loadLayer(layerNum uint32, ld config.Layer) error {
	log := logger.Get()

	r, err := shp.Open(ld.Source)
	if err != nil {
		return fmt.Errorf("failed to open shapefile %s: %w", ld.Source, err)
	}
	defer r.Close()

	fields := r.Fields()
	colIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		colIdx[strings.TrimRight(f.String(), "\x00")] = i
	}

	var tr *rtree.RTree
	if ld.Index {
		tr = &rtree.RTree{}
		l.Idx.trees[ld.Name] = tr
	}

	count := 0
	for r.Next() {
		row, shape := r.Shape()

		geom := shapeGeometry(shape)
		if geom == nil {
			continue
		}
		geom = clip.Geometry(l.Clip, geom)
		if geom == nil {
			continue
		}

		attrs := make([]tile.Attribute, 0, len(ld.SourceColumns))
		for _, col := range ld.SourceColumns {
			if fi, ok := colIdx[col]; ok {
				attrs = append(attrs, tile.Attribute{Key: col, Value: r.ReadAttribute(row, fi)})
			}
		}

		cacheID := l.Cache.Add(geom)
		obj := tile.OutputObject{
			Kind:       cachedKind(geom),
			Layer:      layerNum,
			ID:         cacheID,
			Attributes: attrs,
		}
		for _, cell := range boundCells(geom.Bound(), l.Cfg.Settings.Basezoom) {
			l.TileIdx.Add(cell, obj)
		}

		if tr != nil {
			name := ""
			if fi, ok := colIdx[ld.IndexColumn]; ok {
				name = r.ReadAttribute(row, fi)
			}
			b := geom.Bound()
			tr.Insert([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, name)
		}
		count++
	}

	log.Info("Loaded shapefile layer",
		zap.String("layer", ld.Name), zap.String("source", ld.Source), zap.Int("shapes", count))
	return nil
}

// shapeGeometry converts a shapefile record to an orb geometry in
// projected (lon, latp) space.
func shapeGeometry(s shp.Shape) orb.Geometry {
	switch s := s.(type) {
	case *shp.Point:
		return orb.Point{s.X, proj.Lat2latp(s.Y)}
	case *shp.PolyLine:
		mls := make(orb.MultiLineString, 0, len(s.Parts))
		for _, part := range splitParts(s.Parts, s.Points) {
			mls = append(mls, orb.LineString(part))
		}
		if len(mls) == 0 {
			return nil
		}
		return mls
	case *shp.Polygon:
		// shapefile outer rings wind clockwise, holes counterclockwise
		var mp orb.MultiPolygon
		for _, part := range splitParts(s.Parts, s.Points) {
			ring := orb.Ring(part)
			if len(ring) < 4 {
				continue
			}
			if ring.Orientation() == orb.CW || len(mp) == 0 {
				if ring.Orientation() == orb.CW {
					ring.Reverse()
				}
				mp = append(mp, orb.Polygon{ring})
			} else {
				ring.Reverse()
				mp[len(mp)-1] = append(mp[len(mp)-1], ring)
			}
		}
		if len(mp) == 0 {
			return nil
		}
		return mp
	}
	return nil
}

// splitParts slices a shapefile point array by its part offsets, projecting
// each point.
func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		part := make([]orb.Point, 0, end-int(start))
		for _, p := range points[start:end] {
			part = append(part, orb.Point{p.X, proj.Lat2latp(p.Y)})
		}
		out = append(out, part)
	}
	return out
}

// cachedKind picks the output object kind for a cached geometry.
func cachedKind(g orb.Geometry) tile.Kind {
	switch g.(type) {
	case orb.Point:
		return tile.CachedPoint
	case orb.MultiPolygon, orb.Polygon:
		return tile.CachedPolygon
	default:
		return tile.CachedLinestring
	}
}

// boundCells lists the base-zoom cells covered by a bound in projected
// space.
func boundCells(b orb.Bound, baseZoom uint) []uint32 {
	minX := proj.Lon2tilex(b.Min[0], baseZoom)
	maxX := proj.Lon2tilex(b.Max[0], baseZoom)
	// tile rows grow southwards, so the max latp is the min row
	minY := proj.Latp2tiley(b.Max[1], baseZoom)
	maxY := proj.Latp2tiley(b.Min[1], baseZoom)
	var cells []uint32
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			cells = append(cells, tile.Cell(x, y))
		}
	}
	return cells
}

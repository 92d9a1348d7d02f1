package tile

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grafi-tt/tilemaker/internal/config"
	"github.com/grafi-tt/tilemaker/internal/logger"
	"github.com/grafi-tt/tilemaker/internal/proj"
	"github.com/grafi-tt/tilemaker/internal/store"
)

// tileBuffer is the clip margin around a tile, as a fraction of its span.
const tileBuffer = 0.0625

// Sink receives encoded tile blobs. Implementations must be safe for
// concurrent writers.
type Sink interface {
	WriteTile(zoom, x, y uint, data []byte) error
	Close() error
}

// DirSink writes tiles to <root>/<z>/<x>/<y>.pbf.
type DirSink struct {
	Root string
}

// WriteTile creates the zoom/x directory as needed and writes the blob.
func (s *DirSink) WriteTile(zoom, x, y uint, data []byte) error {
	dir := filepath.Join(s.Root, fmt.Sprint(zoom), fmt.Sprint(x))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.pbf", y)), data, 0644)
}

// Close implements Sink.
func (s *DirSink) Close() error { return nil }

// ClipBox is the geographic clipping box in projected space, used to skip
// tiles entirely outside the configured bounding box.
type ClipBox struct {
	MinLon, MaxLon   float64
	MinLatp, MaxLatp float64
	FromConfig       bool
}

// NewClipBox builds a clip box from [minLon, minLat, maxLon, maxLat]
// degrees.
func NewClipBox(b []float64, fromConfig bool) *ClipBox {
	return &ClipBox{
		MinLon:     b[0],
		MaxLon:     b[2],
		MinLatp:    proj.Lat2latp(b[1]),
		MaxLatp:    proj.Lat2latp(b[3]),
		FromConfig: fromConfig,
	}
}

// Emitter renders the tile index into encoded tiles, zoom by zoom. It only
// reads the stores, which are sealed once ingestion finishes, so tiles are
// rendered on a worker pool.
type Emitter struct {
	Cfg     *config.Config
	Store   *store.OSMStore
	Cache   *GeometryCache
	Index   Index
	Clip    *ClipBox
	Sink    Sink
	Workers int
}

// Run emits every output zoom. At the base zoom the index is canonicalized
// in place; coarser zooms get a rebinned copy.
func (e *Emitter) Run(ctx context.Context) error {
	log := logger.Get()
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	for zoom := e.Cfg.Settings.Minzoom; zoom <= e.Cfg.Settings.Maxzoom; zoom++ {
		idx := e.Index
		if zoom == e.Cfg.Settings.Basezoom {
			idx.Canonicalize()
		} else {
			idx = e.Index.Rebin(e.Cfg.Settings.Basezoom, zoom)
		}

		cells := make([]uint32, 0, len(idx))
		for cell := range idx {
			cells = append(cells, cell)
		}
		sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })

		log.Info("Writing zoom level",
			zap.Uint("zoom", zoom), zap.Int("tiles", len(cells)))

		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, cell := range cells {
			cell := cell
			g.Go(func() error {
				return e.emitTile(zoom, cell, idx[cell])
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// emitTile renders one tile: group layers, realize and merge geometry,
// simplify, serialize, compress, write.
func (e *Emitter) emitTile(zoom uint, cell uint32, objs []OutputObject) error {
	bbox := proj.NewTileBbox(cell, zoom)
	if e.Clip != nil && e.Clip.FromConfig &&
		(e.Clip.MaxLon <= bbox.MinLon || e.Clip.MinLon >= bbox.MaxLon ||
			e.Clip.MaxLatp <= bbox.MinLatp || e.Clip.MinLatp >= bbox.MaxLatp) {
		return nil
	}

	var layers mvt.Layers
	for _, group := range e.Cfg.Order {
		fc := geojson.NewFeatureCollection()
		for _, layerNum := range group {
			e.emitLayer(fc, zoom, bbox, layerNum, objs)
		}
		if len(fc.Features) > 0 {
			layers = append(layers, mvt.NewLayer(e.Cfg.Layers[group[0]].Name, fc))
		}
	}
	if len(layers) == 0 {
		return nil
	}

	t := maptile.New(uint32(bbox.TileX), uint32(bbox.TileY), maptile.Zoom(zoom))
	layers.Clip(t.Bound(tileBuffer))
	layers.ProjectToTile(t)
	layers.RemoveEmpty(1.0, 1.0)

	data, err := mvt.Marshal(layers)
	if err != nil {
		return fmt.Errorf("failed to encode tile %d/%d/%d: %w", zoom, bbox.TileX, bbox.TileY, err)
	}
	data, err = e.compress(data)
	if err != nil {
		return err
	}
	return e.Sink.WriteTile(zoom, bbox.TileX, bbox.TileY, data)
}

// emitLayer appends the features of one configured layer to the feature
// collection of its layer group.
func (e *Emitter) emitLayer(fc *geojson.FeatureCollection, zoom uint, bbox proj.TileBbox, layerNum uint32, objs []OutputObject) {
	log := logger.Get()
	ld := e.Cfg.Layers[layerNum]
	if int(zoom) < ld.Minzoom || int(zoom) > ld.Maxzoom {
		return
	}

	simplifyLevel := 0.0
	if int(zoom) < ld.SimplifyBelow {
		if ld.SimplifyLength > 0 {
			latp := (proj.Tiley2latp(bbox.TileY, zoom) + proj.Tiley2latp(bbox.TileY+1, zoom)) / 2
			simplifyLevel = proj.Meter2degp(ld.SimplifyLength, latp)
		} else {
			simplifyLevel = ld.SimplifyLevel
		}
		simplifyLevel *= math.Pow(ld.SimplifyRatio, float64(ld.SimplifyBelow-1)-float64(zoom))
	}

	// objs is sorted with layer as the most significant key, so the run of
	// this layer's objects is found by binary search
	lo := sort.Search(len(objs), func(i int) bool { return objs[i].Layer >= layerNum })
	hi := sort.Search(len(objs), func(i int) bool { return objs[i].Layer > layerNum })

	for j := lo; j < hi; j++ {
		obj := objs[j]
		switch obj.Kind {
		case Point, Centroid, CachedPoint:
			pt, err := e.realizePoint(obj)
			if err != nil {
				log.Warn("dropping output object with unresolved geometry",
					zap.Uint64("id", obj.ID), zap.Uint8("kind", uint8(obj.Kind)), zap.Error(err))
				continue
			}
			f := geojson.NewFeature(latp2latGeometry(pt))
			f.Properties = attributeProperties(obj.Attributes)
			if e.Cfg.Settings.IncludeIDs {
				f.ID = float64(obj.ID)
			}
			fc.Append(f)
		default:
			geom, err := e.realizeMulti(obj)
			if err != nil {
				log.Warn("dropping output object with unresolved geometry",
					zap.Uint64("id", obj.ID), zap.Uint8("kind", uint8(obj.Kind)), zap.Error(err))
				continue
			}
			// objects of the same kind with an identical attribute bag are
			// merged into the first one; the sort placed them adjacently,
			// so OSM features split into several ways come out whole
			for j+1 < hi && objs[j+1].Kind == obj.Kind &&
				AttributesEqual(objs[j+1].Attributes, obj.Attributes) {
				j++
				next, err := e.realizeMulti(objs[j])
				if err != nil {
					log.Warn("skipping merge of unresolved geometry",
						zap.Uint64("id", objs[j].ID), zap.Error(err))
					continue
				}
				geom = mergeMulti(geom, next)
			}
			if simplifyLevel > 0 {
				geom = simplify.DouglasPeucker(simplifyLevel).Simplify(geom)
				if geometryEmpty(geom) {
					continue
				}
			}
			f := geojson.NewFeature(latp2latGeometry(geom))
			f.Properties = attributeProperties(obj.Attributes)
			if e.Cfg.Settings.IncludeIDs {
				f.ID = float64(obj.ID)
			}
			fc.Append(f)
		}
	}
}

// realizePoint resolves the point kinds.
func (e *Emitter) realizePoint(obj OutputObject) (orb.Point, error) {
	switch obj.Kind {
	case Point:
		ll, err := e.Store.Nodes.At(store.NodeID(obj.ID))
		if err != nil {
			return orb.Point{}, err
		}
		return orb.Point{float64(ll.Lon) / 1e7, float64(ll.Latp) / 1e7}, nil
	case CachedPoint:
		g := e.Cache.At(obj.ID)
		if pt, ok := g.(orb.Point); ok {
			return pt, nil
		}
		return orb.Point{}, fmt.Errorf("%w: cached point %d", store.ErrNotFound, obj.ID)
	default: // Centroid
		geom, err := e.realizeMulti(OutputObject{Kind: Polygon, Layer: obj.Layer, ID: obj.ID})
		if err != nil {
			return orb.Point{}, err
		}
		pt, _ := planar.CentroidArea(geom)
		return pt, nil
	}
}

// realizeMulti resolves the line and polygon kinds into multi-flavored
// geometry in projected space.
func (e *Emitter) realizeMulti(obj OutputObject) (orb.Geometry, error) {
	switch obj.Kind {
	case Linestring:
		ls, err := e.Store.WayLinestring(store.WayID(obj.ID))
		if err != nil {
			return nil, err
		}
		return orb.MultiLineString{ls}, nil
	case Polygon:
		if e.Store.Relations.Count(store.WayID(obj.ID)) > 0 {
			return e.Store.RelationMultiPolygon(store.WayID(obj.ID))
		}
		poly, err := e.Store.WayPolygon(store.WayID(obj.ID))
		if err != nil {
			return nil, err
		}
		return orb.MultiPolygon{poly}, nil
	case CachedLinestring, CachedPolygon:
		g := e.Cache.At(obj.ID)
		if g == nil {
			return nil, fmt.Errorf("%w: cached geometry %d", store.ErrNotFound, obj.ID)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("output object %d has no multi geometry", obj.ID)
	}
}

// mergeMulti combines two multi geometries of the same flavor.
func mergeMulti(a, b orb.Geometry) orb.Geometry {
	switch g := a.(type) {
	case orb.MultiLineString:
		if h, ok := b.(orb.MultiLineString); ok {
			return append(g, h...)
		}
	case orb.MultiPolygon:
		if h, ok := b.(orb.MultiPolygon); ok {
			return append(g, h...)
		}
	}
	return a
}

func geometryEmpty(g orb.Geometry) bool {
	switch t := g.(type) {
	case nil:
		return true
	case orb.MultiLineString:
		return len(t) == 0
	case orb.MultiPolygon:
		return len(t) == 0
	case orb.LineString:
		return len(t) == 0
	case orb.Polygon:
		return len(t) == 0
	}
	return false
}

// latp2latGeometry maps a projected-space geometry back to WGS84 lon/lat
// for tile encoding.
func latp2latGeometry(g orb.Geometry) orb.Geometry {
	switch t := g.(type) {
	case orb.Point:
		return orb.Point{t[0], proj.Latp2lat(t[1])}
	case orb.LineString:
		out := make(orb.LineString, len(t))
		for i, p := range t {
			out[i] = orb.Point{p[0], proj.Latp2lat(p[1])}
		}
		return out
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(t))
		for i, ls := range t {
			out[i] = latp2latGeometry(ls).(orb.LineString)
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(t))
		for i, p := range t {
			out[i] = orb.Point{p[0], proj.Latp2lat(p[1])}
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(t))
		for i, r := range t {
			out[i] = latp2latGeometry(r).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(t))
		for i, p := range t {
			out[i] = latp2latGeometry(p).(orb.Polygon)
		}
		return out
	}
	return g
}

// attributeProperties converts an attribute bag into feature properties.
func attributeProperties(attrs []Attribute) geojson.Properties {
	props := make(geojson.Properties, len(attrs))
	for _, a := range attrs {
		props[a.Key] = a.Value
	}
	return props
}

// compress applies the configured tile compression.
func (e *Emitter) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch e.Cfg.Settings.Compress {
	case "", "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "deflate":
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "none":
		return data, nil
	}
	return buf.Bytes(), nil
}

// Package tile accumulates output objects per base-zoom tile cell and
// renders them into vector tiles at emission time.
package tile

import (
	"slices"

	"github.com/paulmach/orb"
)

// Kind is the geometry kind of an output object. Cached kinds reference a
// pre-built geometry held in the side cache; the other kinds synthesize
// geometry on demand from the OSM store.
type Kind uint8

const (
	Point Kind = iota
	Linestring
	Polygon
	Centroid
	CachedPoint
	CachedLinestring
	CachedPolygon
)

// Attribute is one key/value of an output object's attribute bag. Values
// are strings, float64s or bools, which keeps them directly comparable.
type Attribute struct {
	Key   string
	Value interface{}
}

// OutputObject describes what to render for one OSM entity inside one
// layer: it carries attributes but not yet geometry. For Point the ID is a
// node ID, for Linestring/Polygon a way or pseudo-relation ID, for cached
// kinds an index into the geometry cache.
type OutputObject struct {
	Kind       Kind
	Layer      uint32
	ID         uint64
	Attributes []Attribute
}

// Compare orders objects lexicographically by (layer, kind, id). The sort
// groups merge candidates next to each other and puts layers in contiguous
// runs.
func (o OutputObject) Compare(other OutputObject) int {
	if o.Layer != other.Layer {
		if o.Layer < other.Layer {
			return -1
		}
		return 1
	}
	if o.Kind != other.Kind {
		if o.Kind < other.Kind {
			return -1
		}
		return 1
	}
	if o.ID != other.ID {
		if o.ID < other.ID {
			return -1
		}
		return 1
	}
	return 0
}

// Equal is the deduplication equality: same slot and same attribute bag.
func (o OutputObject) Equal(other OutputObject) bool {
	return o.Compare(other) == 0 && AttributesEqual(o.Attributes, other.Attributes)
}

// AttributesEqual compares two attribute bags pairwise in order.
func AttributesEqual(a, b []Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Cell packs base-zoom tile coordinates into a 32-bit index, x in the high
// 16 bits and y in the low 16.
func Cell(x, y uint) uint32 {
	return uint32(x)<<16 | uint32(y)&0xffff
}

// Index maps tile cells to the output objects that touch them.
type Index map[uint32][]OutputObject

// Add registers objects under a cell.
func (idx Index) Add(cell uint32, objs ...OutputObject) {
	if len(objs) == 0 {
		return
	}
	idx[cell] = append(idx[cell], objs...)
}

// Canonicalize sorts each cell's object list and removes duplicates within
// each run of equal (layer, kind, id). Afterwards no two equal objects
// coexist in a cell.
func (idx Index) Canonicalize() {
	for cell, objs := range idx {
		slices.SortFunc(objs, OutputObject.Compare)
		out := objs[:0]
		for _, o := range objs {
			dup := false
			for k := len(out) - 1; k >= 0 && out[k].Compare(o) == 0; k-- {
				if AttributesEqual(out[k].Attributes, o.Attributes) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, o)
			}
		}
		idx[cell] = out
	}
}

// Rebin derives the index for a coarser zoom by integer-halving each cell
// coordinate, then canonicalizes the result.
func (idx Index) Rebin(baseZoom, zoom uint) Index {
	shift := baseZoom - zoom
	out := make(Index, len(idx))
	for cell, objs := range idx {
		x := (cell >> 16) >> shift
		y := (cell & 0xffff) >> shift
		out[x<<16|y] = append(out[x<<16|y], objs...)
	}
	out.Canonicalize()
	return out
}

// GeometryCache is the side array of pre-built geometries referenced by
// the cached object kinds. Geometries are stored in projected (lon, latp)
// space, multi-flavored.
type GeometryCache struct {
	Geoms []orb.Geometry
}

// Add appends a geometry and returns its cache index.
func (c *GeometryCache) Add(g orb.Geometry) uint64 {
	c.Geoms = append(c.Geoms, g)
	return uint64(len(c.Geoms) - 1)
}

// At returns the cached geometry at idx, or nil when out of range.
func (c *GeometryCache) At(idx uint64) orb.Geometry {
	if idx >= uint64(len(c.Geoms)) {
		return nil
	}
	return c.Geoms[idx]
}

// Package script hosts the Lua tag-processing hook. The hook is a pure
// labeler: it inspects one OSM entity at a time and declares which layers
// and attributes to emit; it never mutates the stores.
package script

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/grafi-tt/tilemaker/internal/config"
	"github.com/grafi-tt/tilemaker/internal/logger"
	"github.com/grafi-tt/tilemaker/internal/proj"
	"github.com/grafi-tt/tilemaker/internal/shapefile"
	"github.com/grafi-tt/tilemaker/internal/store"
	"github.com/grafi-tt/tilemaker/internal/tile"
)

// EntityKind says what the current object is.
type EntityKind uint8

const (
	KindNode EntityKind = iota
	KindWay
	KindRelation
)

// Runtime owns the Lua interpreter and the single OSM object table handed
// to the callbacks, mirroring the per-entity state the ingester sets.
type Runtime struct {
	L      *lua.LState
	cfg    *config.Config
	st     *store.OSMStore
	shapes *shapefile.Index

	obj      *lua.LTable
	initFn   lua.LValue
	nodeFn   lua.LValue
	wayFn    lua.LValue
	exitFn   lua.LValue
	nodeKeys []string

	// current entity
	kind         EntityKind
	id           uint64
	tags         map[string]string
	nodeIDs      []store.NodeID
	outerWays    []store.WayID
	innerWays    []store.WayID
	assembled    []store.WayID
	hasAssembled bool
	outputs      []tile.OutputObject
}

// NewRuntime creates a Lua state and registers the OSM object API.
func NewRuntime(cfg *config.Config, st *store.OSMStore, shapes *shapefile.Index) *Runtime {
	r := &Runtime{
		L:      lua.NewState(),
		cfg:    cfg,
		st:     st,
		shapes: shapes,
	}
	r.obj = r.newObjectTable()
	return r
}

// Close releases the Lua state.
func (r *Runtime) Close() {
	r.L.Close()
}

// LoadFile loads the processing script and resolves the callbacks and the
// node_keys table.
func (r *Runtime) LoadFile(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to load Lua file: %w", err)
	}

	return r.resolveGlobals()
}

// LoadString loads the processing script from a string (for testing).
func (r *Runtime) LoadString(code string) error {
	if err := r.L.DoString(code); err != nil {
		return fmt.Errorf("failed to load Lua code: %w", err)
	}
	return r.resolveGlobals()
}

func (r *Runtime) resolveGlobals() error {
	keys := r.L.GetGlobal("node_keys")
	if keys.Type() != lua.LTTable {
		return fmt.Errorf("error found in Lua script when reading node_keys")
	}
	keys.(*lua.LTable).ForEach(func(_, v lua.LValue) {
		r.nodeKeys = append(r.nodeKeys, v.String())
	})

	r.initFn = r.L.GetGlobal("init_function")
	r.nodeFn = r.L.GetGlobal("node_function")
	r.wayFn = r.L.GetGlobal("way_function")
	r.exitFn = r.L.GetGlobal("exit_function")
	if r.nodeFn.Type() != lua.LTFunction {
		return fmt.Errorf("node_function is not defined in Lua script")
	}
	if r.wayFn.Type() != lua.LTFunction {
		return fmt.Errorf("way_function is not defined in Lua script")
	}
	return nil
}

// NodeKeys returns the tag keys that can make a node significant.
func (r *Runtime) NodeKeys() []string {
	return r.nodeKeys
}

// CallInit runs init_function when the script defines one.
func (r *Runtime) CallInit() error {
	return r.callOptional(r.initFn, "init_function")
}

// CallExit runs exit_function when the script defines one.
func (r *Runtime) CallExit() error {
	return r.callOptional(r.exitFn, "exit_function")
}

func (r *Runtime) callOptional(fn lua.LValue, name string) error {
	if fn == nil || fn.Type() != lua.LTFunction {
		return nil
	}
	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ProcessNode runs node_function for a node and returns the emitted output
// objects.
func (r *Runtime) ProcessNode(id store.NodeID, tags map[string]string) ([]tile.OutputObject, error) {
	r.kind = KindNode
	r.id = uint64(id)
	r.tags = tags
	r.nodeIDs = nil
	r.outerWays, r.innerWays = nil, nil
	r.assembled, r.hasAssembled = nil, false
	r.outputs = nil
	if err := r.call(r.nodeFn, "node_function"); err != nil {
		return nil, err
	}
	return r.outputs, nil
}

// ProcessWay runs way_function for a way.
func (r *Runtime) ProcessWay(id store.WayID, tags map[string]string, nodeIDs []store.NodeID) ([]tile.OutputObject, error) {
	r.kind = KindWay
	r.id = uint64(id)
	r.tags = tags
	r.nodeIDs = nodeIDs
	r.outerWays, r.innerWays = nil, nil
	r.assembled, r.hasAssembled = nil, false
	r.outputs = nil
	if err := r.call(r.wayFn, "way_function"); err != nil {
		return nil, err
	}
	return r.outputs, nil
}

// ProcessRelation runs way_function for a multipolygon relation under its
// pseudo way ID. The encoded way sequence is assembled lazily: either the
// script asked for geometry, or the ingester requests it afterwards via
// AssembledSequence.
func (r *Runtime) ProcessRelation(pseudoID store.WayID, tags map[string]string, outer, inner []store.WayID) ([]tile.OutputObject, error) {
	r.kind = KindRelation
	r.id = uint64(pseudoID)
	r.tags = tags
	r.nodeIDs = nil
	r.outerWays, r.innerWays = outer, inner
	r.assembled, r.hasAssembled = nil, false
	r.outputs = nil
	if err := r.call(r.wayFn, "way_function"); err != nil {
		return nil, err
	}
	return r.outputs, nil
}

// AssembledSequence returns the relation's encoded way sequence, running
// the assembler if the script did not already trigger it.
func (r *Runtime) AssembledSequence() []store.WayID {
	return r.assembleRelation()
}

func (r *Runtime) call(fn lua.LValue, name string) error {
	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, r.obj); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (r *Runtime) assembleRelation() []store.WayID {
	if r.kind != KindRelation {
		return nil
	}
	if !r.hasAssembled {
		r.assembled = r.st.CorrectMultiPolygonRelation(r.outerWays, r.innerWays)
		r.hasAssembled = true
	}
	return r.assembled
}

// newObjectTable builds the table handed to node_function/way_function,
// with the query and emit methods closed over the runtime state.
func (r *Runtime) newObjectTable() *lua.LTable {
	L := r.L
	tbl := L.NewTable()
	L.SetField(tbl, "Id", L.NewFunction(r.luaID))
	L.SetField(tbl, "Holds", L.NewFunction(r.luaHolds))
	L.SetField(tbl, "Find", L.NewFunction(r.luaFind))
	L.SetField(tbl, "IsClosed", L.NewFunction(r.luaIsClosed))
	L.SetField(tbl, "Area", L.NewFunction(r.luaArea))
	L.SetField(tbl, "Length", L.NewFunction(r.luaLength))
	L.SetField(tbl, "ScaleToMeter", L.NewFunction(r.luaScaleToMeter))
	L.SetField(tbl, "ScaleToKiloMeter", L.NewFunction(r.luaScaleToKiloMeter))
	L.SetField(tbl, "Layer", L.NewFunction(r.luaLayer))
	L.SetField(tbl, "LayerAsCentroid", L.NewFunction(r.luaLayerAsCentroid))
	L.SetField(tbl, "Attribute", L.NewFunction(r.luaAttribute))
	L.SetField(tbl, "AttributeNumeric", L.NewFunction(r.luaAttributeNumeric))
	L.SetField(tbl, "AttributeBoolean", L.NewFunction(r.luaAttributeBoolean))
	L.SetField(tbl, "FindIntersecting", L.NewFunction(r.luaFindIntersecting))
	L.SetField(tbl, "Intersects", L.NewFunction(r.luaIntersects))
	return tbl
}

// argOffset compensates for colon calls, where the object itself arrives
// as the first argument.
func argOffset(L *lua.LState) int {
	if L.GetTop() >= 1 && L.Get(1).Type() == lua.LTTable {
		return 1
	}
	return 0
}

func (r *Runtime) luaID(L *lua.LState) int {
	L.Push(lua.LNumber(r.id))
	return 1
}

func (r *Runtime) luaHolds(L *lua.LState) int {
	key := L.CheckString(1 + argOffset(L))
	_, ok := r.tags[key]
	L.Push(lua.LBool(ok))
	return 1
}

func (r *Runtime) luaFind(L *lua.LState) int {
	key := L.CheckString(1 + argOffset(L))
	L.Push(lua.LString(r.tags[key]))
	return 1
}

func (r *Runtime) luaIsClosed(L *lua.LState) int {
	switch r.kind {
	case KindWay:
		closed := len(r.nodeIDs) >= 2 && r.nodeIDs[0] == r.nodeIDs[len(r.nodeIDs)-1]
		L.Push(lua.LBool(closed))
	case KindRelation:
		L.Push(lua.LTrue)
	default:
		L.Push(lua.LFalse)
	}
	return 1
}

// luaArea returns the polygon area in projected square degrees; scripts
// convert with ScaleToMeter as needed.
func (r *Runtime) luaArea(L *lua.LState) int {
	area := 0.0
	switch r.kind {
	case KindWay:
		if poly, err := r.st.NodeListPolygon(r.nodeIDs); err == nil {
			area = math.Abs(planar.Area(poly))
		}
	case KindRelation:
		if mp, err := r.st.WayListMultiPolygon(r.assembleRelation()); err == nil {
			area = math.Abs(planar.Area(mp))
		}
	}
	L.Push(lua.LNumber(area))
	return 1
}

// luaLength returns the way length in projected degrees.
func (r *Runtime) luaLength(L *lua.LState) int {
	length := 0.0
	if r.kind == KindWay {
		if ls, err := r.st.NodeListLinestring(r.nodeIDs); err == nil {
			for i := 1; i < len(ls); i++ {
				dx := ls[i][0] - ls[i-1][0]
				dy := ls[i][1] - ls[i-1][1]
				length += math.Sqrt(dx*dx + dy*dy)
			}
		}
	}
	L.Push(lua.LNumber(length))
	return 1
}

func (r *Runtime) luaScaleToMeter(L *lua.LState) int {
	d := float64(L.CheckNumber(1 + argOffset(L)))
	L.Push(lua.LNumber(proj.Degp2meter(d, r.currentLatp())))
	return 1
}

func (r *Runtime) luaScaleToKiloMeter(L *lua.LState) int {
	d := float64(L.CheckNumber(1 + argOffset(L)))
	L.Push(lua.LNumber(proj.Degp2meter(d, r.currentLatp()) / 1000.0))
	return 1
}

// currentLatp estimates the entity's latitude band for scale conversion.
func (r *Runtime) currentLatp() float64 {
	if r.kind == KindNode {
		if ll, err := r.st.Nodes.At(store.NodeID(r.id)); err == nil {
			return float64(ll.Latp) / 1e7
		}
	}
	if len(r.nodeIDs) > 0 {
		if ll, err := r.st.Nodes.At(r.nodeIDs[0]); err == nil {
			return float64(ll.Latp) / 1e7
		}
	}
	return 0
}

func (r *Runtime) luaLayer(L *lua.LState) int {
	off := argOffset(L)
	name := L.CheckString(1 + off)
	isArea := lua.LVAsBool(L.Get(2 + off))
	kind := tile.Point
	switch r.kind {
	case KindWay:
		kind = tile.Linestring
		if isArea {
			kind = tile.Polygon
		}
	case KindRelation:
		kind = tile.Polygon
	}
	r.emit(name, kind)
	return 0
}

func (r *Runtime) luaLayerAsCentroid(L *lua.LState) int {
	name := L.CheckString(1 + argOffset(L))
	kind := tile.Centroid
	if r.kind == KindNode {
		kind = tile.Point
	}
	r.emit(name, kind)
	return 0
}

func (r *Runtime) emit(layerName string, kind tile.Kind) {
	idx, ok := r.cfg.LayerIndex(layerName)
	if !ok {
		logger.Get().Warn("script referenced an unknown layer",
			zap.String("layer", layerName), zap.Uint64("id", r.id))
		return
	}
	r.outputs = append(r.outputs, tile.OutputObject{
		Kind:  kind,
		Layer: idx,
		ID:    r.id,
	})
}

func (r *Runtime) setAttribute(key string, value interface{}) {
	if len(r.outputs) == 0 {
		logger.Get().Warn("script set an attribute before declaring a layer",
			zap.String("key", key), zap.Uint64("id", r.id))
		return
	}
	last := &r.outputs[len(r.outputs)-1]
	last.Attributes = append(last.Attributes, tile.Attribute{Key: key, Value: value})
}

func (r *Runtime) luaAttribute(L *lua.LState) int {
	off := argOffset(L)
	r.setAttribute(L.CheckString(1+off), L.CheckString(2+off))
	return 0
}

func (r *Runtime) luaAttributeNumeric(L *lua.LState) int {
	off := argOffset(L)
	r.setAttribute(L.CheckString(1+off), float64(L.CheckNumber(2+off)))
	return 0
}

func (r *Runtime) luaAttributeBoolean(L *lua.LState) int {
	off := argOffset(L)
	r.setAttribute(L.CheckString(1+off), L.CheckBool(2+off))
	return 0
}

func (r *Runtime) luaFindIntersecting(L *lua.LState) int {
	name := L.CheckString(1 + argOffset(L))
	out := L.NewTable()
	if r.shapes != nil {
		for i, hit := range r.shapes.FindIntersecting(name, r.currentBound()) {
			out.RawSetInt(i+1, lua.LString(hit))
		}
	}
	L.Push(out)
	return 1
}

func (r *Runtime) luaIntersects(L *lua.LState) int {
	name := L.CheckString(1 + argOffset(L))
	hit := r.shapes != nil && r.shapes.Intersects(name, r.currentBound())
	L.Push(lua.LBool(hit))
	return 1
}

// currentBound is the projected bounding box of the current entity, used
// for shapefile index queries.
func (r *Runtime) currentBound() orb.Bound {
	var pts []orb.Point
	switch r.kind {
	case KindNode:
		if ll, err := r.st.Nodes.At(store.NodeID(r.id)); err == nil {
			pts = append(pts, orb.Point{float64(ll.Lon) / 1e7, float64(ll.Latp) / 1e7})
		}
	case KindWay:
		for _, id := range r.nodeIDs {
			if ll, err := r.st.Nodes.At(id); err == nil {
				pts = append(pts, orb.Point{float64(ll.Lon) / 1e7, float64(ll.Latp) / 1e7})
			}
		}
	case KindRelation:
		if mp, err := r.st.WayListMultiPolygon(r.assembleRelation()); err == nil && len(mp) > 0 {
			return mp.Bound()
		}
	}
	if len(pts) == 0 {
		return orb.Bound{}
	}
	b := orb.MultiPoint(pts).Bound()
	return b
}

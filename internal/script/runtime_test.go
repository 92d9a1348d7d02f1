package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grafi-tt/tilemaker/internal/config"
	"github.com/grafi-tt/tilemaker/internal/store"
	"github.com/grafi-tt/tilemaker/internal/tile"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"settings": {"basezoom": 14, "minzoom": 0, "maxzoom": 14, "compress": "none"},
		"layers": {
			"poi": {"minzoom": 12, "maxzoom": 14},
			"building": {"minzoom": 13, "maxzoom": 14}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

const testScript = `
node_keys = { "amenity", "shop" }

function init_function()
	initialized = true
end

function exit_function()
end

function node_function(node)
	local amenity = node:Find("amenity")
	if amenity ~= "" then
		node:Layer("poi")
		node:Attribute("class", amenity)
		node:AttributeNumeric("rank", 3)
		node:AttributeBoolean("open", true)
	end
end

function way_function(way)
	if way:Holds("building") and way:IsClosed() then
		way:Layer("building", true)
	end
	if way:Find("landuse") == "forest" then
		way:Layer("building")
	end
end
`

func newTestRuntime(t *testing.T) (*Runtime, *store.OSMStore) {
	t.Helper()
	cfg := testConfig(t)
	st := store.NewOSMStore()
	rt := NewRuntime(cfg, st, nil)
	t.Cleanup(rt.Close)
	if err := rt.LoadString(testScript); err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	return rt, st
}

func TestNodeKeys(t *testing.T) {
	rt, _ := newTestRuntime(t)
	keys := rt.NodeKeys()
	if len(keys) != 2 || keys[0] != "amenity" || keys[1] != "shop" {
		t.Errorf("NodeKeys() = %v", keys)
	}
}

func TestCallInit(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if err := rt.CallInit(); err != nil {
		t.Fatalf("CallInit failed: %v", err)
	}
	if rt.L.GetGlobal("initialized").String() != "true" {
		t.Error("init_function did not run")
	}
	if err := rt.CallExit(); err != nil {
		t.Fatalf("CallExit failed: %v", err)
	}
}

func TestProcessNode(t *testing.T) {
	rt, st := newTestRuntime(t)
	st.Nodes.InsertBack(42, store.LatpLon{Latp: 0, Lon: 0})

	outs, err := rt.ProcessNode(42, map[string]string{"amenity": "pub", "name": "The Moon"})
	if err != nil {
		t.Fatalf("ProcessNode failed: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("got %d output objects, want 1", len(outs))
	}
	obj := outs[0]
	if obj.Kind != tile.Point || obj.ID != 42 {
		t.Errorf("object = %+v", obj)
	}
	if name, _ := rt.cfg.LayerIndex("poi"); obj.Layer != name {
		t.Errorf("layer = %d", obj.Layer)
	}
	want := []tile.Attribute{
		{Key: "class", Value: "pub"},
		{Key: "rank", Value: 3.0},
		{Key: "open", Value: true},
	}
	if !tile.AttributesEqual(obj.Attributes, want) {
		t.Errorf("attributes = %v, want %v", obj.Attributes, want)
	}
}

func TestProcessNodeNotInteresting(t *testing.T) {
	rt, st := newTestRuntime(t)
	st.Nodes.InsertBack(7, store.LatpLon{})

	outs, err := rt.ProcessNode(7, map[string]string{"highway": "crossing"})
	if err != nil {
		t.Fatalf("ProcessNode failed: %v", err)
	}
	if len(outs) != 0 {
		t.Errorf("got %d output objects, want none", len(outs))
	}
}

func TestProcessWay(t *testing.T) {
	rt, st := newTestRuntime(t)
	for i, c := range [][2]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}} {
		st.Nodes.InsertBack(store.NodeID(i+1), store.LatpLon{
			Lon:  int32(c[0] * 1e7),
			Latp: int32(c[1] * 1e7),
		})
	}

	tests := []struct {
		name     string
		tags     map[string]string
		nodes    []store.NodeID
		wantLen  int
		wantKind tile.Kind
	}{
		{
			name:     "closed building becomes polygon",
			tags:     map[string]string{"building": "yes"},
			nodes:    []store.NodeID{1, 2, 3, 4, 1},
			wantLen:  1,
			wantKind: tile.Polygon,
		},
		{
			name:     "forest without area flag becomes linestring",
			tags:     map[string]string{"landuse": "forest"},
			nodes:    []store.NodeID{1, 2, 3},
			wantLen:  1,
			wantKind: tile.Linestring,
		},
		{
			name:    "open building way is not emitted",
			tags:    map[string]string{"building": "yes"},
			nodes:   []store.NodeID{1, 2, 3},
			wantLen: 0,
		},
		{
			name:    "untagged way is not emitted",
			tags:    map[string]string{},
			nodes:   []store.NodeID{1, 2},
			wantLen: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outs, err := rt.ProcessWay(100, tt.tags, tt.nodes)
			if err != nil {
				t.Fatalf("ProcessWay failed: %v", err)
			}
			if len(outs) != tt.wantLen {
				t.Fatalf("got %d output objects, want %d", len(outs), tt.wantLen)
			}
			if tt.wantLen > 0 && outs[0].Kind != tt.wantKind {
				t.Errorf("kind = %d, want %d", outs[0].Kind, tt.wantKind)
			}
		})
	}
}

func TestProcessRelation(t *testing.T) {
	rt, st := newTestRuntime(t)
	for i, c := range [][2]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}} {
		st.Nodes.InsertBack(store.NodeID(i+1), store.LatpLon{
			Lon:  int32(c[0] * 1e7),
			Latp: int32(c[1] * 1e7),
		})
	}
	st.Ways.InsertBack(10, []store.NodeID{1, 2, 3, 4, 1})

	outs, err := rt.ProcessRelation(store.FirstRelationID,
		map[string]string{"building": "yes", "type": "multipolygon"},
		[]store.WayID{10}, nil)
	if err != nil {
		t.Fatalf("ProcessRelation failed: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("got %d output objects, want 1", len(outs))
	}
	if outs[0].Kind != tile.Polygon || outs[0].ID != uint64(store.FirstRelationID) {
		t.Errorf("object = %+v", outs[0])
	}

	seq := rt.AssembledSequence()
	if len(seq) != 1 || seq[0] != 10 {
		t.Errorf("assembled sequence = %v, want [10]", seq)
	}
}

func TestUnknownLayerIgnored(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if err := rt.LoadString(`
node_keys = {}
function node_function(node) node:Layer("missing") end
function way_function(way) end
`); err != nil {
		t.Fatal(err)
	}
	outs, err := rt.ProcessNode(1, nil)
	if err != nil {
		t.Fatalf("ProcessNode failed: %v", err)
	}
	if len(outs) != 0 {
		t.Errorf("unknown layer produced %d objects", len(outs))
	}
}

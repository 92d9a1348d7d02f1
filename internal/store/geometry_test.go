package store

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
)

// addNode inserts a node at (lon, latp) degrees.
func addNode(t *testing.T, s *OSMStore, id NodeID, lon, latp float64) {
	t.Helper()
	ll := LatpLon{Latp: int32(latp * 1e7), Lon: int32(lon * 1e7)}
	if err := s.Nodes.InsertBack(id, ll); err != nil {
		t.Fatalf("InsertBack(node %d) failed: %v", id, err)
	}
}

func addWay(t *testing.T, s *OSMStore, id WayID, nodes []NodeID) {
	t.Helper()
	if err := s.Ways.InsertBack(id, nodes); err != nil {
		t.Fatalf("InsertBack(way %d) failed: %v", id, err)
	}
}

// squareStore holds nodes 1..4 on a unit square, traversed clockwise by
// way 10.
func squareStore(t *testing.T) *OSMStore {
	t.Helper()
	s := NewOSMStore()
	addNode(t, s, 1, 0, 0)
	addNode(t, s, 2, 0, 1)
	addNode(t, s, 3, 1, 1)
	addNode(t, s, 4, 1, 0)
	addWay(t, s, 10, []NodeID{1, 2, 3, 4, 1})
	return s
}

func TestNodeListLinestringDedup(t *testing.T) {
	s := NewOSMStore()
	addNode(t, s, 1, 0, 0)
	addNode(t, s, 2, 1, 0)
	addNode(t, s, 3, 2, 0)

	tests := []struct {
		name  string
		nodes []NodeID
		want  int
	}{
		{name: "no duplicates", nodes: []NodeID{1, 2, 3}, want: 3},
		{name: "one consecutive duplicate", nodes: []NodeID{1, 2, 2, 3}, want: 3},
		{name: "run of duplicates", nodes: []NodeID{1, 1, 1, 2}, want: 2},
		{name: "non-consecutive repeat kept", nodes: []NodeID{1, 2, 1}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ls, err := s.NodeListLinestring(tt.nodes)
			if err != nil {
				t.Fatalf("NodeListLinestring failed: %v", err)
			}
			if len(ls) != tt.want {
				t.Errorf("point count = %d, want %d", len(ls), tt.want)
			}
		})
	}
}

func TestAppendPointsReverse(t *testing.T) {
	s := NewOSMStore()
	addNode(t, s, 1, 0, 0)
	addNode(t, s, 2, 1, 0)
	addNode(t, s, 3, 2, 1)

	forward, err := s.appendPoints(nil, []NodeID{1, 2, 3}, false)
	if err != nil {
		t.Fatal(err)
	}
	reversed, err := s.appendPoints(nil, []NodeID{1, 2, 3}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(forward) != len(reversed) {
		t.Fatalf("length mismatch: %d vs %d", len(forward), len(reversed))
	}
	for i := range forward {
		if forward[i] != reversed[len(reversed)-1-i] {
			t.Errorf("reversed[%d] = %v, want %v", len(reversed)-1-i, reversed[len(reversed)-1-i], forward[i])
		}
	}
}

func TestNodeListPolygonWinding(t *testing.T) {
	s := squareStore(t)

	poly, err := s.WayPolygon(10)
	if err != nil {
		t.Fatalf("WayPolygon failed: %v", err)
	}
	if len(poly) != 1 {
		t.Fatalf("polygon has %d rings, want 1", len(poly))
	}
	outer := poly[0]
	if len(outer) != 5 {
		t.Errorf("outer ring has %d points, want 5", len(outer))
	}
	if !outer.Closed() {
		t.Error("outer ring is not closed")
	}
	if outer.Orientation() != orb.CCW {
		t.Error("outer ring winding was not corrected to counterclockwise")
	}
}

func TestWayListMultiPolygonDecode(t *testing.T) {
	s := squareStore(t)
	// way 20 is a smaller square inside way 10
	addNode(t, s, 5, 0.25, 0.25)
	addNode(t, s, 6, 0.25, 0.75)
	addNode(t, s, 7, 0.75, 0.75)
	addNode(t, s, 8, 0.75, 0.25)
	addWay(t, s, 20, []NodeID{5, 6, 7, 8, 5})

	tests := []struct {
		name      string
		seq       []WayID
		wantPolys int
		wantRings []int
	}{
		{name: "empty", seq: nil, wantPolys: 0},
		{name: "single polygon", seq: []WayID{10}, wantPolys: 1, wantRings: []int{1}},
		{name: "polygon with hole", seq: []WayID{10, InnerMark, 20}, wantPolys: 1, wantRings: []int{2}},
		{name: "two polygons", seq: []WayID{10, OuterMark, 20}, wantPolys: 2, wantRings: []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp, err := s.WayListMultiPolygon(tt.seq)
			if err != nil {
				t.Fatalf("WayListMultiPolygon failed: %v", err)
			}
			if len(mp) != tt.wantPolys {
				t.Fatalf("got %d polygons, want %d", len(mp), tt.wantPolys)
			}
			for i, want := range tt.wantRings {
				if len(mp[i]) != want {
					t.Errorf("polygon %d has %d rings, want %d", i, len(mp[i]), want)
				}
			}
			for _, poly := range mp {
				for i, ring := range poly {
					wantOrientation := orb.Orientation(orb.CCW)
					if i > 0 {
						wantOrientation = orb.CW
					}
					if ring.Orientation() != wantOrientation {
						t.Errorf("ring %d has wrong winding", i)
					}
				}
			}
		})
	}
}

func TestWayListMultiPolygonReverseMark(t *testing.T) {
	s := NewOSMStore()
	addNode(t, s, 1, 0, 0)
	addNode(t, s, 2, 1, 0)
	addNode(t, s, 3, 1, 1)
	addWay(t, s, 10, []NodeID{1, 2})
	addWay(t, s, 20, []NodeID{3, 2})
	addWay(t, s, 30, []NodeID{3, 1})

	// 1→2, reversed 2→3, then 3→1 closes the triangle
	mp, err := s.WayListMultiPolygon([]WayID{10, ReverseMark, 20, 30})
	if err != nil {
		t.Fatalf("WayListMultiPolygon failed: %v", err)
	}
	if len(mp) != 1 || len(mp[0]) != 1 {
		t.Fatalf("got %d polygons, want 1 with 1 ring", len(mp))
	}
	ring := mp[0][0]
	if !ring.Closed() {
		t.Fatalf("ring = %v, want a closed triangle", ring)
	}
	for _, corner := range []orb.Point{{0, 0}, {1, 0}, {1, 1}} {
		found := false
		for _, p := range ring {
			if p == corner {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("ring %v is missing corner %v", ring, corner)
		}
	}
}

func TestRealizeMissingWay(t *testing.T) {
	s := NewOSMStore()
	if _, err := s.WayLinestring(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("WayLinestring(99) error = %v, want ErrNotFound", err)
	}
	if _, err := s.WayListMultiPolygon([]WayID{99}); !errors.Is(err, ErrNotFound) {
		t.Errorf("WayListMultiPolygon([99]) error = %v, want ErrNotFound", err)
	}
}

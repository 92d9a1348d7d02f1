package store

import (
	"github.com/paulmach/orb"
)

// Geometry realization. Projected fixed-point coordinates become orb
// geometries in (lon, latp) double space; consecutive duplicate points are
// dropped on exact equality.

// appendPoints projects nodeIDs and appends them to pts, skipping points
// equal to the previous one. With reverse set, nodeIDs are walked back to
// front, so the first appended point is still compared with the point
// already at the end of pts.
func (s *OSMStore) appendPoints(pts []orb.Point, nodeIDs []NodeID, reverse bool) ([]orb.Point, error) {
	last := orb.Point{123456789.0, 123456789.0} // dummy
	if len(pts) > 0 {
		last = pts[len(pts)-1]
	}
	for i := range nodeIDs {
		id := nodeIDs[i]
		if reverse {
			id = nodeIDs[len(nodeIDs)-1-i]
		}
		ll, err := s.Nodes.At(id)
		if err != nil {
			return pts, err
		}
		p := orb.Point{float64(ll.Lon) / 1e7, float64(ll.Latp) / 1e7}
		if p != last {
			pts = append(pts, p)
		}
		last = p
	}
	return pts, nil
}

// correctRing closes an open ring and flips it to the wanted orientation.
func correctRing(r orb.Ring, o orb.Orientation) orb.Ring {
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	if len(r) >= 4 && r.Orientation() != o {
		r.Reverse()
	}
	return r
}

// correctPolygon fixes winding: outer ring counterclockwise, holes
// clockwise.
func correctPolygon(p orb.Polygon) {
	for i := range p {
		if i == 0 {
			p[i] = correctRing(p[i], orb.CCW)
		} else {
			p[i] = correctRing(p[i], orb.CW)
		}
	}
}

// NodeListLinestring realizes a raw node list as a linestring.
func (s *OSMStore) NodeListLinestring(nodeIDs []NodeID) (orb.LineString, error) {
	pts, err := s.appendPoints(nil, nodeIDs, false)
	if err != nil {
		return nil, err
	}
	return orb.LineString(pts), nil
}

// WayLinestring realizes a stored way as a linestring.
func (s *OSMStore) WayLinestring(id WayID) (orb.LineString, error) {
	nodeIDs, err := s.Ways.At(id)
	if err != nil {
		return nil, err
	}
	return s.NodeListLinestring(nodeIDs)
}

// NodeListPolygon realizes a raw node list as a single polygon with
// corrected winding.
func (s *OSMStore) NodeListPolygon(nodeIDs []NodeID) (orb.Polygon, error) {
	pts, err := s.appendPoints(nil, nodeIDs, false)
	if err != nil {
		return nil, err
	}
	poly := orb.Polygon{orb.Ring(pts)}
	correctPolygon(poly)
	return poly, nil
}

// WayPolygon realizes a stored way as a polygon.
func (s *OSMStore) WayPolygon(id WayID) (orb.Polygon, error) {
	nodeIDs, err := s.Ways.At(id)
	if err != nil {
		return nil, err
	}
	return s.NodeListPolygon(nodeIDs)
}

// WayListMultiPolygon realizes an encoded way sequence as a multipolygon.
// The sequence starts in outer mode; OuterMark opens a new polygon,
// InnerMark a new hole in the current one, and ReverseMark flips the
// traversal of the single way that follows it.
func (s *OSMStore) WayListMultiPolygon(seq []WayID) (orb.MultiPolygon, error) {
	var mp orb.MultiPolygon
	i := 0
	isOuter := true
	for i < len(seq) {
		var ring orb.Ring
		reverse := false
		for ; i < len(seq) && seq[i] != OuterMark && seq[i] != InnerMark; i++ {
			if seq[i] == ReverseMark {
				reverse = true
				continue
			}
			nodeIDs, err := s.Ways.At(seq[i])
			if err != nil {
				return nil, err
			}
			ring, err = s.appendPoints(ring, nodeIDs, reverse)
			if err != nil {
				return nil, err
			}
			reverse = false
		}
		if isOuter || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
		} else {
			mp[len(mp)-1] = append(mp[len(mp)-1], ring)
		}
		if i < len(seq) {
			isOuter = seq[i] == OuterMark
			i++
		}
	}
	for _, poly := range mp {
		correctPolygon(poly)
	}
	return mp, nil
}

// RelationMultiPolygon realizes a stored relation by its pseudo-ID.
func (s *OSMStore) RelationMultiPolygon(relID WayID) (orb.MultiPolygon, error) {
	seq, err := s.Relations.At(relID)
	if err != nil {
		return nil, err
	}
	return s.WayListMultiPolygon(seq)
}

package store

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"

	"github.com/grafi-tt/tilemaker/internal/logger"
)

// CorrectMultiPolygonRelation connects the member ways of a multipolygon
// relation into closed rings and encodes the result as a flat way sequence
// using the pseudo-way marks. Every anomaly (missing way, unclosable ring,
// unhomed hole, invalid result) is logged and tolerated; whatever rings
// could be built are kept.
func (s *OSMStore) CorrectMultiPolygonRelation(outerWays, innerWays []WayID) []WayID {
	log := logger.Get()

	// ways grouped into rings, and the realized ring geometries
	var outerSeqs, innerSeqs [][]WayID
	var outerRings, innerRings []orb.Ring

	for _, isOuter := range []bool{true, false} {
		ways := outerWays
		if !isOuter {
			ways = innerWays
		}

		matched := make([]bool, len(ways))
		endCoords := make([][2]LatpLon, len(ways))

		// remember begin/end coords of each way
		for i, wayID := range ways {
			if s.Ways.Count(wayID) == 0 {
				log.Warn("relation references a way with no node list",
					zap.Uint32("way", uint32(wayID)))
				matched[i] = true
				continue
			}
			nodeIDs, _ := s.Ways.At(wayID)
			if len(nodeIDs) == 0 {
				log.Warn("relation references an empty way",
					zap.Uint32("way", uint32(wayID)))
				matched[i] = true
				continue
			}
			first, errF := s.Nodes.At(nodeIDs[0])
			last, errL := s.Nodes.At(nodeIDs[len(nodeIDs)-1])
			if errF != nil || errL != nil {
				log.Warn("relation way has an endpoint with no stored node",
					zap.Uint32("way", uint32(wayID)))
				matched[i] = true
				continue
			}
			endCoords[i] = [2]LatpLon{first, last}
		}

		// construct rings, seeding each from the first unconsumed way and
		// repeatedly attaching the nearest-endpoint candidate until the
		// loop returns to the seed
		for startIdx := range ways {
			if matched[startIdx] {
				continue
			}

			var seq []WayID
			startCoord := endCoords[startIdx][0]
			nextIdx := startIdx
			reverse := false
			for {
				matched[nextIdx] = true
				if reverse {
					seq = append(seq, ReverseMark)
				}
				seq = append(seq, ways[nextIdx])
				currentCoord := endCoords[nextIdx][1]
				if reverse {
					currentCoord = endCoords[nextIdx][0]
				}

				// closing the loop is the preferred candidate
				minSqd := sqDist(currentCoord, startCoord)
				nextIdx = startIdx
				for i := range ways {
					if matched[i] {
						continue
					}
					for _, isFirst := range []bool{true, false} {
						targetCoord := endCoords[i][0]
						if !isFirst {
							targetCoord = endCoords[i][1]
						}
						sqd := sqDist(currentCoord, targetCoord)
						if sqd < minSqd {
							minSqd = sqd
							nextIdx = i
							reverse = !isFirst
						} else if sqd == 0 { // minSqd is already 0
							log.Warn("more than two ways share an endpoint",
								zap.Int32("latp", currentCoord.Latp),
								zap.Int32("lon", currentCoord.Lon),
								zap.Uint32("way", uint32(ways[i])))
						}
					}
				}

				// no connected way; the nearest one is used so the ring
				// always makes progress
				if minSqd > 0 {
					log.Warn("cannot find a connected way; nearest used",
						zap.Int32("latp", currentCoord.Latp),
						zap.Int32("lon", currentCoord.Lon),
						zap.Uint32("chosenWay", uint32(ways[nextIdx])),
						zap.Int64("sqDist", minSqd))
				}
				if nextIdx == startIdx {
					break
				}
			}

			ring, err := s.realizeRing(seq)
			if err != nil || !ringValid(ring) {
				log.Warn("discarding invalid ring",
					zap.Bool("outer", isOuter),
					zap.Uint32s("ways", waySeqIDs(seq)))
				continue
			}

			if isOuter {
				outerSeqs = append(outerSeqs, seq)
				outerRings = append(outerRings, ring)
			} else {
				innerSeqs = append(innerSeqs, seq)
				innerRings = append(innerRings, ring)
			}
		}
	}

	// home each inner ring in its innermost containing outer ring
	innerForOuter := make([][]WayID, len(outerSeqs))
	for k, inner := range innerRings {
		parent := -1
		for j, outer := range outerRings {
			if ringWithin(inner, outer) {
				if parent == -1 || ringWithin(outer, outerRings[parent]) {
					parent = j
				}
			}
		}
		if parent == -1 {
			log.Warn("inner ring is not in any outer ring",
				zap.Uint32s("ways", waySeqIDs(innerSeqs[k])))
			continue
		}
		innerForOuter[parent] = append(innerForOuter[parent], InnerMark)
		innerForOuter[parent] = append(innerForOuter[parent], innerSeqs[k]...)
	}

	// flatten, separating polygons with OuterMark
	var result []WayID
	for j := range outerSeqs {
		if j > 0 {
			result = append(result, OuterMark)
		}
		result = append(result, outerSeqs[j]...)
		result = append(result, innerForOuter[j]...)
	}

	// tolerant post-check; downstream copes with whatever comes out
	if mp, err := s.WayListMultiPolygon(result); err != nil || !multiPolygonValid(mp) {
		first := uint32(math.MaxUint32)
		if len(outerWays) > 0 {
			first = uint32(outerWays[0])
		}
		log.Warn("assembled multipolygon is invalid",
			zap.Uint32("firstOuterWay", first))
	}

	return result
}

// realizeRing builds the closed ring geometry for one way sequence.
func (s *OSMStore) realizeRing(seq []WayID) (orb.Ring, error) {
	var ring orb.Ring
	reverse := false
	for _, id := range seq {
		if id == ReverseMark {
			reverse = true
			continue
		}
		nodeIDs, err := s.Ways.At(id)
		if err != nil {
			return nil, err
		}
		ring, err = s.appendPoints(ring, nodeIDs, reverse)
		if err != nil {
			return nil, err
		}
		reverse = false
	}
	return correctRing(ring, orb.CCW), nil
}

// ringValid accepts rings that are closed, have enough points, and span a
// non-degenerate area.
func ringValid(r orb.Ring) bool {
	return len(r) >= 4 && r.Closed() && math.Abs(planar.Area(r)) > 0
}

func multiPolygonValid(mp orb.MultiPolygon) bool {
	for _, poly := range mp {
		for _, ring := range poly {
			if !ringValid(ring) {
				return false
			}
		}
	}
	return true
}

// ringWithin reports whether every vertex of a lies inside b. Rings built
// here never cross, so vertex containment decides ring containment.
func ringWithin(a, b orb.Ring) bool {
	for _, p := range a {
		if !planar.RingContains(b, p) {
			return false
		}
	}
	return true
}

// waySeqIDs strips a sequence to its raw IDs for logging.
func waySeqIDs(seq []WayID) []uint32 {
	out := make([]uint32, 0, len(seq))
	for _, id := range seq {
		if id != ReverseMark {
			out = append(out, uint32(id))
		}
	}
	return out
}

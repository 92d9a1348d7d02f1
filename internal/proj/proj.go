// Package proj holds the Mercator pseudo-latitude ("latp") projection and
// the tile arithmetic shared by the ingester and the tile emitter.
//
// A latp degree and a longitude degree span the same ground distance at any
// given latitude, so squared Euclidean distance in (lon, latp) space is a
// usable nearness measure without trigonometry.
package proj

import "math"

const (
	// metersPerDegree is the length of one degree of longitude at the
	// equator.
	metersPerDegree = 111319.9

	// MaxLat and MinLat bound the Web Mercator square.
	MaxLat = 85.0511287798
	MinLat = -85.0511287798
)

// Lat2latp converts a WGS84 latitude to Mercator-projected pseudo-latitude.
func Lat2latp(lat float64) float64 {
	return 180.0 / math.Pi * math.Log(math.Tan(math.Pi/4.0+lat*(math.Pi/180.0)/2.0))
}

// Latp2lat converts a pseudo-latitude back to WGS84 latitude.
func Latp2lat(latp float64) float64 {
	return 180.0 / math.Pi * (2.0*math.Atan(math.Exp(latp*(math.Pi/180.0))) - math.Pi/2.0)
}

// Meter2degp converts a ground length in meters at the given pseudo-latitude
// into the equivalent span in projected degrees.
func Meter2degp(meters, latp float64) float64 {
	lat := Latp2lat(latp)
	return meters / (metersPerDegree * math.Cos(lat*math.Pi/180.0))
}

// Degp2meter converts a span in projected degrees at the given
// pseudo-latitude into a ground length in meters.
func Degp2meter(degp, latp float64) float64 {
	lat := Latp2lat(latp)
	return degp * metersPerDegree * math.Cos(lat*math.Pi/180.0)
}

// Lon2tilex returns the x tile coordinate containing a longitude at a zoom.
func Lon2tilex(lon float64, zoom uint) uint {
	n := float64(uint64(1) << zoom)
	x := int((lon + 180.0) / 360.0 * n)
	if x < 0 {
		x = 0
	}
	if x >= int(n) {
		x = int(n) - 1
	}
	return uint(x)
}

// Latp2tiley returns the y tile coordinate containing a pseudo-latitude at a
// zoom. Tile rows grow southwards.
func Latp2tiley(latp float64, zoom uint) uint {
	n := float64(uint64(1) << zoom)
	y := int((180.0 - latp) / 360.0 * n)
	if y < 0 {
		y = 0
	}
	if y >= int(n) {
		y = int(n) - 1
	}
	return uint(y)
}

// Tilex2lon returns the longitude of the western edge of tile column x.
func Tilex2lon(x, zoom uint) float64 {
	n := float64(uint64(1) << zoom)
	return float64(x)/n*360.0 - 180.0
}

// Tiley2latp returns the pseudo-latitude of the northern edge of tile row y.
func Tiley2latp(y, zoom uint) float64 {
	n := float64(uint64(1) << zoom)
	return 180.0 - float64(y)/n*360.0
}

// TileBbox is the geographic extent of one tile, in projected (lon, latp)
// coordinates.
type TileBbox struct {
	Zoom           uint
	TileX, TileY   uint
	MinLon, MaxLon float64
	MinLatp        float64
	MaxLatp        float64
}

// NewTileBbox computes the extent of the tile addressed by a packed cell
// index (x in the high 16 bits, y in the low 16).
func NewTileBbox(cell uint32, zoom uint) TileBbox {
	x := uint(cell >> 16)
	y := uint(cell & 0xffff)
	return TileBbox{
		Zoom:    zoom,
		TileX:   x,
		TileY:   y,
		MinLon:  Tilex2lon(x, zoom),
		MaxLon:  Tilex2lon(x+1, zoom),
		MinLatp: Tiley2latp(y+1, zoom),
		MaxLatp: Tiley2latp(y, zoom),
	}
}

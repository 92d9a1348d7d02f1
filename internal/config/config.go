// Package config reads the build configuration: global tile settings plus
// the ordered layer definitions. JSON is the native format; a .yaml/.yml
// file is accepted and decoded into the same structures.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds the global options of the "settings" section.
type Settings struct {
	Basezoom    uint   `json:"basezoom" yaml:"basezoom"`
	Minzoom     uint   `json:"minzoom" yaml:"minzoom"`
	Maxzoom     uint   `json:"maxzoom" yaml:"maxzoom"`
	IncludeIDs  bool   `json:"include_ids" yaml:"include_ids"`
	Compress    string `json:"compress" yaml:"compress"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`

	// BoundingBox is [minLon, minLat, maxLon, maxLat]; it overrides the
	// clipping box taken from the OSM header.
	BoundingBox []float64 `json:"bounding_box" yaml:"bounding_box"`

	// Metadata is written through into the tile archive metadata table.
	Metadata map[string]interface{} `json:"metadata" yaml:"metadata"`
}

// Layer is one logical output layer.
type Layer struct {
	Name           string    `json:"-" yaml:"-"`
	Minzoom        int       `json:"minzoom" yaml:"minzoom"`
	Maxzoom        int       `json:"maxzoom" yaml:"maxzoom"`
	WriteTo        string    `json:"write_to" yaml:"write_to"`
	SimplifyBelow  int       `json:"simplify_below" yaml:"simplify_below"`
	SimplifyLevel  float64   `json:"simplify_level" yaml:"simplify_level"`
	SimplifyLength float64   `json:"simplify_length" yaml:"simplify_length"`
	SimplifyRatio  float64   `json:"simplify_ratio" yaml:"simplify_ratio"`
	Source         string    `json:"source" yaml:"source"`
	SourceColumns  []string  `json:"source_columns" yaml:"source_columns"`
	Index          bool      `json:"index" yaml:"index"`
	IndexColumn    string    `json:"index_column" yaml:"index_column"`
}

// Config is the parsed configuration. Layers keeps file order, which fixes
// the layer indices carried by output objects; Order groups layer indices
// by write_to alias, each group becoming one output layer named after its
// first member.
type Config struct {
	Settings Settings
	Layers   []Layer
	Order    [][]uint32

	byName map[string]uint32
}

type rawConfig struct {
	Settings Settings        `json:"settings" yaml:"settings"`
	Layers   json.RawMessage `json:"layers" yaml:"-"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{byName: make(map[string]uint32)}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = cfg.decodeYAML(data)
	default:
		err = cfg.decodeJSON(data)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeJSON(data []byte) error {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON config: %w", err)
	}
	c.Settings = raw.Settings

	// Decode the layers object token by token so that file order is kept;
	// the layer index is an identity the tile index depends on.
	dec := json.NewDecoder(bytes.NewReader(raw.Layers))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("invalid layers section: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("layers section must be an object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("invalid layers section: %w", err)
		}
		name := tok.(string)
		layer := defaultLayer(name)
		if err := dec.Decode(&layer); err != nil {
			return fmt.Errorf("invalid layer %q: %w", name, err)
		}
		c.addLayer(layer)
	}
	return nil
}

func (c *Config) decodeYAML(data []byte) error {
	var doc struct {
		Settings Settings  `yaml:"settings"`
		Layers   yaml.Node `yaml:"layers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML config: %w", err)
	}
	c.Settings = doc.Settings

	if doc.Layers.Kind != yaml.MappingNode {
		return fmt.Errorf("layers section must be a mapping")
	}
	// mapping nodes interleave key and value nodes, in file order
	for i := 0; i+1 < len(doc.Layers.Content); i += 2 {
		name := doc.Layers.Content[i].Value
		layer := defaultLayer(name)
		if err := doc.Layers.Content[i+1].Decode(&layer); err != nil {
			return fmt.Errorf("invalid layer %q: %w", name, err)
		}
		c.addLayer(layer)
	}
	return nil
}

func defaultLayer(name string) Layer {
	return Layer{
		Name:          name,
		SimplifyLevel: 0.01,
		SimplifyRatio: 1.0,
	}
}

// addLayer appends a layer, placing it in the group of its write_to target
// or opening a new group.
func (c *Config) addLayer(layer Layer) {
	idx := uint32(len(c.Layers))
	c.Layers = append(c.Layers, layer)
	c.byName[layer.Name] = idx

	if layer.WriteTo != "" {
		if target, ok := c.byName[layer.WriteTo]; ok {
			for g := range c.Order {
				if len(c.Order[g]) > 0 && c.Order[g][0] == target {
					c.Order[g] = append(c.Order[g], idx)
					return
				}
			}
		}
	}
	c.Order = append(c.Order, []uint32{idx})
}

// LayerIndex resolves a layer name, reporting whether it exists.
func (c *Config) LayerIndex(name string) (uint32, bool) {
	idx, ok := c.byName[name]
	return idx, ok
}

// HasBoundingBox reports whether settings.bounding_box was given.
func (c *Config) HasBoundingBox() bool {
	return len(c.Settings.BoundingBox) == 4
}

func (c *Config) validate() error {
	s := &c.Settings
	if s.Maxzoom > s.Basezoom {
		return fmt.Errorf("maxzoom (%d) must be the same or smaller than basezoom (%d)", s.Maxzoom, s.Basezoom)
	}
	if s.Minzoom > s.Maxzoom {
		return fmt.Errorf("minzoom (%d) must not exceed maxzoom (%d)", s.Minzoom, s.Maxzoom)
	}
	if s.Basezoom > 16 {
		return fmt.Errorf("basezoom (%d) exceeds the 16-bit tile index limit", s.Basezoom)
	}
	switch s.Compress {
	case "", "gzip", "deflate", "none":
	default:
		return fmt.Errorf(`compress should be any of "gzip", "deflate", "none"`)
	}
	if len(s.BoundingBox) != 0 && len(s.BoundingBox) != 4 {
		return fmt.Errorf("bounding_box must have 4 values: minLon, minLat, maxLon, maxLat")
	}
	return nil
}

// ValidateSources checks the options that depend on a clipping box being
// known; the box may come from settings.bounding_box or the OSM header, so
// this runs after the header has been read.
func (c *Config) ValidateSources(hasClipBox bool) error {
	for _, layer := range c.Layers {
		if layer.Source != "" && !hasClipBox {
			return fmt.Errorf("layer %q: can't read shapefiles unless a bounding box is provided", layer.Name)
		}
	}
	return nil
}

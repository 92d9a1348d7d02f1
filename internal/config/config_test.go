package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleJSON = `{
	"settings": {
		"basezoom": 14, "minzoom": 10, "maxzoom": 14,
		"include_ids": false, "compress": "gzip",
		"name": "Test", "version": "1.0", "description": "test tiles",
		"metadata": {"attribution": "OSM contributors"}
	},
	"layers": {
		"water": {"minzoom": 6, "maxzoom": 14, "simplify_below": 12, "simplify_level": 0.0003},
		"rivers": {"minzoom": 9, "maxzoom": 14, "write_to": "water"},
		"poi": {"minzoom": 12, "maxzoom": 14}
	}
}`

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.json", sampleJSON))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Settings.Basezoom != 14 || cfg.Settings.Minzoom != 10 || cfg.Settings.Maxzoom != 14 {
		t.Errorf("zoom settings = %d/%d/%d", cfg.Settings.Basezoom, cfg.Settings.Minzoom, cfg.Settings.Maxzoom)
	}
	if cfg.Settings.Compress != "gzip" {
		t.Errorf("compress = %q", cfg.Settings.Compress)
	}
	if cfg.Settings.Metadata["attribution"] != "OSM contributors" {
		t.Errorf("metadata = %v", cfg.Settings.Metadata)
	}

	// layer order follows the file
	names := make([]string, len(cfg.Layers))
	for i, l := range cfg.Layers {
		names[i] = l.Name
	}
	if strings.Join(names, ",") != "water,rivers,poi" {
		t.Errorf("layer order = %v", names)
	}

	// defaults fill in where the file is silent
	if cfg.Layers[1].SimplifyLevel != 0.01 || cfg.Layers[1].SimplifyRatio != 1.0 {
		t.Errorf("layer defaults = %+v", cfg.Layers[1])
	}
	if cfg.Layers[0].SimplifyLevel != 0.0003 {
		t.Errorf("simplify_level = %f", cfg.Layers[0].SimplifyLevel)
	}

	// rivers writes into the water group; poi stands alone
	if len(cfg.Order) != 2 {
		t.Fatalf("layer groups = %v", cfg.Order)
	}
	if len(cfg.Order[0]) != 2 || cfg.Order[0][0] != 0 || cfg.Order[0][1] != 1 {
		t.Errorf("water group = %v", cfg.Order[0])
	}
	if len(cfg.Order[1]) != 1 || cfg.Order[1][0] != 2 {
		t.Errorf("poi group = %v", cfg.Order[1])
	}

	if idx, ok := cfg.LayerIndex("rivers"); !ok || idx != 1 {
		t.Errorf("LayerIndex(rivers) = %d, %v", idx, ok)
	}
	if _, ok := cfg.LayerIndex("nope"); ok {
		t.Error("LayerIndex(nope) should not resolve")
	}
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", `
settings:
  basezoom: 14
  minzoom: 12
  maxzoom: 14
  compress: none
layers:
  landuse:
    minzoom: 10
    maxzoom: 14
  parks:
    minzoom: 10
    maxzoom: 14
    write_to: landuse
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Layers) != 2 || cfg.Layers[0].Name != "landuse" || cfg.Layers[1].Name != "parks" {
		t.Errorf("layers = %+v", cfg.Layers)
	}
	if len(cfg.Order) != 1 || len(cfg.Order[0]) != 2 {
		t.Errorf("groups = %v", cfg.Order)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{
			name: "maxzoom above basezoom",
			json: `{"settings": {"basezoom": 14, "minzoom": 0, "maxzoom": 15, "compress": "none"}, "layers": {}}`,
		},
		{
			name: "minzoom above maxzoom",
			json: `{"settings": {"basezoom": 14, "minzoom": 12, "maxzoom": 10, "compress": "none"}, "layers": {}}`,
		},
		{
			name: "unknown compression",
			json: `{"settings": {"basezoom": 14, "minzoom": 0, "maxzoom": 14, "compress": "lz4"}, "layers": {}}`,
		},
		{
			name: "basezoom too deep for the cell index",
			json: `{"settings": {"basezoom": 17, "minzoom": 0, "maxzoom": 14, "compress": "none"}, "layers": {}}`,
		},
		{
			name: "short bounding box",
			json: `{"settings": {"basezoom": 14, "minzoom": 0, "maxzoom": 14, "compress": "none", "bounding_box": [1, 2]}, "layers": {}}`,
		},
		{
			name: "malformed JSON",
			json: `{"settings": {`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "config.json", tt.json)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestValidateSources(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.json",
		`{"settings": {"basezoom": 14, "minzoom": 0, "maxzoom": 14, "compress": "none"},
		  "layers": {"coast": {"minzoom": 0, "maxzoom": 14, "source": "coast.shp"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.ValidateSources(false); err == nil {
		t.Error("shapefile source without bounding box should be rejected")
	}
	if err := cfg.ValidateSources(true); err != nil {
		t.Errorf("ValidateSources(true) = %v", err)
	}
}

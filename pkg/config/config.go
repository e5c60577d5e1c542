package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shelfdb/shelfdb/volume"
)

// Config defines runtime configuration for one physical volume, loaded
// from YAML and/or flags.
type Config struct {
	DataFile       string `yaml:"data_file"`
	ChunkSize      int    `yaml:"chunk_size"`
	BloomSize      int    `yaml:"bloom_size"`
	BloomFnCount   int    `yaml:"bloom_fn_count"`
	BloomPrecision int    `yaml:"bloom_precision"`
	ReaderNumber   int    `yaml:"reader_number"`
	TreePower      int    `yaml:"tree_power"`
	CacheCapacity  int    `yaml:"cache_capacity"`
}

// Load reads a YAML config file from path. If path is empty or the file
// does not exist, returns an empty Config and nil error, leaving callers
// to layer volume.DefaultPolicy() defaults on top via Policy.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close config file %q: %v\n", path, closeErr)
		}
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Policy builds a volume.Policy from cfg, filling any zero-valued field
// from volume.DefaultPolicy() so a partial or absent YAML file still
// yields a usable policy.
func (c Config) Policy() volume.Policy {
	p := volume.DefaultPolicy()
	if c.ChunkSize != 0 {
		p.ChunkSize = c.ChunkSize
	}
	if c.BloomSize != 0 {
		p.BloomSize = c.BloomSize
	}
	if c.BloomFnCount != 0 {
		p.BloomFnCount = c.BloomFnCount
	}
	if c.BloomPrecision != 0 {
		p.BloomPrecision = c.BloomPrecision
	}
	if c.ReaderNumber != 0 {
		p.ReaderNumber = c.ReaderNumber
	}
	if c.TreePower != 0 {
		p.TreePower = c.TreePower
	}
	if c.CacheCapacity != 0 {
		p.CacheCapacity = c.CacheCapacity
	}
	return p
}

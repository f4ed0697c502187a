// Package config loads the cache settings of rawcat from a TOML file.
//
// A configuration file has one table per device:
//
//	[metadata]
//	block_size = 4096
//	capacity = 2000
//	policy = "least-frequent-oldest"
//
//	[data]
//	policy = "clear-all"
//
// Settings that are left out get their default value.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/t9t/rawfs/blockcache"
)

// Default policies of the metadata and data caches. Allocation tables and MFT records are looked up over and over, so
// the metadata cache keeps the most used blocks; file content is read once, front to back.
const (
	DefaultMetadataPolicy = blockcache.EvictLeastFrequentOldest
	DefaultDataPolicy     = blockcache.ClearAllOnFull
)

// Cache holds the settings of one block cache. An empty Policy selects the default of its section.
type Cache struct {
	BlockSize int    `toml:"block_size"`
	Capacity  int    `toml:"capacity"`
	Policy    string `toml:"policy"`
}

// Config holds the settings of the metadata and the data device.
type Config struct {
	Metadata Cache  `toml:"metadata"`
	Data     Cache  `toml:"data"`
	LogLevel string `toml:"log_level"`
}

// Default returns the configuration used without a configuration file.
func Default() Config {
	return Config{
		Metadata: Cache{Policy: DefaultMetadataPolicy.String()},
		Data:     Cache{Policy: DefaultDataPolicy.String()},
	}
}

// Parse parses a TOML document.
func Parse(b []byte) (Config, error) {
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return Config{}, errors.Wrap(err, "unable to parse configuration")
	}
	if c.Metadata.Policy == "" {
		c.Metadata.Policy = DefaultMetadataPolicy.String()
	}
	if c.Data.Policy == "" {
		c.Data.Policy = DefaultDataPolicy.String()
	}
	if _, err := c.Metadata.BlockCache(); err != nil {
		return Config{}, errors.Wrap(err, "invalid [metadata] section")
	}
	if _, err := c.Data.BlockCache(); err != nil {
		return Config{}, errors.Wrap(err, "invalid [data] section")
	}
	return c, nil
}

// Load reads and parses the configuration file at path. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "unable to read configuration file %s", path)
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, errors.Wrapf(err, "in %s", path)
	}
	return c, nil
}

// BlockCache converts the settings to a blockcache.Config and validates them. Zero sizes are replaced by the blockcache
// defaults.
func (c Cache) BlockCache() (blockcache.Config, error) {
	policy, err := blockcache.ParsePolicy(c.Policy)
	if err != nil {
		return blockcache.Config{}, err
	}
	bc := blockcache.Config{BlockSize: c.BlockSize, Capacity: c.Capacity, Policy: policy}
	if bc.BlockSize == 0 {
		bc.BlockSize = blockcache.DefaultBlockSize
	}
	if bc.Capacity == 0 {
		bc.Capacity = blockcache.DefaultCapacity
	}
	if err := bc.Validate(); err != nil {
		return blockcache.Config{}, err
	}
	return bc, nil
}

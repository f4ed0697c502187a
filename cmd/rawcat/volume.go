package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/t9t/rawfs/blockcache"
	"github.com/t9t/rawfs/config"
	"github.com/t9t/rawfs/device"
)

const bootSectorSize = 512

// A volume is opened twice: once for metadata (boot sector, allocation tables, MFT records, directory indexes) and
// once for file content, each with its own block cache.
type volume struct {
	path  string
	meta  *device.Device
	data  *device.Device
	stats bool
}

// cacheConfigs merges the cache settings of the configuration file with the command line flags.
func cacheConfigs(c *cli.Context) (blockcache.Config, blockcache.Config, error) {
	cfg, ok := c.App.Metadata["config"].(config.Config)
	if !ok {
		cfg = config.Default()
	}
	if p := c.String("metadata-policy"); p != "" {
		cfg.Metadata.Policy = p
	}
	if p := c.String("data-policy"); p != "" {
		cfg.Data.Policy = p
	}
	if bs := c.Int("block-size"); bs != 0 {
		cfg.Metadata.BlockSize = bs
		cfg.Data.BlockSize = bs
	}
	meta, err := cfg.Metadata.BlockCache()
	if err != nil {
		return blockcache.Config{}, blockcache.Config{}, fmt.Errorf("invalid metadata cache settings: %w", err)
	}
	data, err := cfg.Data.BlockCache()
	if err != nil {
		return blockcache.Config{}, blockcache.Config{}, fmt.Errorf("invalid data cache settings: %w", err)
	}
	return meta, data, nil
}

func openVolume(c *cli.Context, path string) (*volume, error) {
	metaCache, dataCache, err := cacheConfigs(c)
	if err != nil {
		return nil, cli.Exit(err, exitCodeUserError)
	}
	if isWin && len(path) == 2 && path[1] == ':' {
		path = `\\.\` + path
	}
	offset := c.Int64("offset")

	meta, err := device.Open(path, device.Config{Cache: metaCache, Offset: offset})
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to open volume using path %s: %v", path, err), exitCodeTechnicalError)
	}
	data, err := device.Open(path, device.Config{Cache: dataCache, Offset: offset})
	if err != nil {
		meta.Close()
		return nil, cli.Exit(fmt.Sprintf("Unable to open volume using path %s: %v", path, err), exitCodeTechnicalError)
	}
	logrus.WithFields(logrus.Fields{
		"path":            path,
		"offset":          offset,
		"metadata_policy": metaCache.Policy,
		"data_policy":     dataCache.Policy,
	}).Info("opened volume")
	return &volume{path: path, meta: meta, data: data, stats: c.Bool("stats")}, nil
}

func (v *volume) readBootSector() ([]byte, error) {
	if _, err := v.meta.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	b := make([]byte, bootSectorSize)
	if _, err := io.ReadFull(v.meta, b); err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to read boot sector: %v", err), exitCodeTechnicalError)
	}
	return b, nil
}

// Close closes both devices, printing cache statistics first when asked to.
func (v *volume) Close() error {
	if v.stats {
		if err := v.printStats(os.Stderr); err != nil {
			logrus.WithError(err).Warn("unable to print cache statistics")
		}
	}
	errMeta := v.meta.Close()
	errData := v.data.Close()
	if errMeta != nil {
		return errMeta
	}
	return errData
}

func (v *volume) printStats(w io.Writer) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(blockcache.NewCollector("metadata", v.meta.Cache())); err != nil {
		return err
	}
	if err := registry.Register(blockcache.NewCollector("data", v.data.Cache())); err != nil {
		return err
	}
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, f := range families {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "# device reads: %d metadata, %d data\n", v.meta.Reads(), v.data.Reads())
	return err
}

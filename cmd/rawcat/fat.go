package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/t9t/rawfs/bootsect"
	"github.com/t9t/rawfs/fat"
)

type fatVolume struct {
	*volume
	layout bootsect.Layout
	table  *fat.Table
}

func openFat(c *cli.Context, path string) (*fatVolume, error) {
	v, err := openVolume(c, path)
	if err != nil {
		return nil, err
	}
	f, err := v.fatFS()
	if err != nil {
		v.Close()
		return nil, err
	}
	return f, nil
}

func (v *volume) fatFS() (*fatVolume, error) {
	b, err := v.readBootSector()
	if err != nil {
		return nil, err
	}
	var layout bootsect.Layout
	switch kind := bootsect.Detect(b); kind {
	case bootsect.KindExFAT:
		boot, err := bootsect.ParseExFAT(b, 0)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("Unable to parse exFAT boot sector: %v", err), exitCodeTechnicalError)
		}
		layout = boot.Layout
	case bootsect.KindFAT:
		boot, err := bootsect.ParseFAT(b, 0)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("Unable to parse FAT boot sector: %v", err), exitCodeTechnicalError)
		}
		layout = boot.Layout
	default:
		return nil, cli.Exit(fmt.Sprintf("Unsupported file system %s, expected FAT or exFAT", kind), exitCodeFunctionalError)
	}
	logrus.WithFields(logrus.Fields{
		"bits":         layout.Bits,
		"exfat":        layout.ExFAT,
		"cluster_size": layout.ClusterSize,
		"clusters":     layout.Clusters,
		"fat_offset":   layout.FATOffset,
		"data_offset":  layout.DataOffset,
	}).Info("parsed boot sector")

	table, err := layout.OpenTable(v.meta)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to open allocation table: %v", err), exitCodeTechnicalError)
	}
	return &fatVolume{volume: v, layout: layout, table: table}, nil
}

func copyFatChain(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("Expected a volume and an output file", exitCodeUserError)
	}
	f, err := openFat(c, c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	start := uint32(c.Uint("start"))
	size := c.Int64("size")
	contiguous := c.Bool("contiguous")
	total := size
	if size == 0 && !contiguous && start != 0 {
		// a chain without size is read up to its end marker, so its size is a whole number of clusters
		clusters, err := f.table.Follow(start)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Invalid cluster chain after %d clusters: %v", len(clusters), err), exitCodeFunctionalError)
		}
		total = int64(len(clusters)) * f.layout.ClusterSize
	}

	chain, err := fat.NewChain(f.data, f.table, f.layout.Geometry(), start, size, contiguous)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Unable to open cluster chain: %v", err), exitCodeFunctionalError)
	}
	err = copyToFile(c, chain, total, c.Args().Get(1))
	logrus.WithFields(logrus.Fields{"table_lookups": f.table.Lookups(), "device_reads": f.data.Reads()}).Info("chain copied")
	return err
}

func printFatChain(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("Expected a volume and a start cluster", exitCodeUserError)
	}
	start, err := strconv.ParseUint(c.Args().Get(1), 0, 32)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid start cluster %q", c.Args().Get(1)), exitCodeUserError)
	}
	f, err := openFat(c, c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	clusters, err := f.table.Follow(uint32(start))
	fmt.Println(clusterRuns(clusters))
	fmt.Printf("%d clusters (%s)\n", len(clusters), humanize.IBytes(uint64(int64(len(clusters))*f.layout.ClusterSize)))
	if errors.Is(err, fat.ErrInvalidChainLink) {
		return cli.Exit(fmt.Sprintf("Chain is corrupt: %v", err), exitCodeFunctionalError)
	}
	if err != nil {
		return cli.Exit(err, exitCodeTechnicalError)
	}
	return nil
}

// clusterRuns formats a list of clusters as ranges of consecutive clusters, for example "2-5, 9, 12-14".
func clusterRuns(clusters []uint32) string {
	var runs []string
	for i := 0; i < len(clusters); {
		j := i
		for j+1 < len(clusters) && clusters[j+1] == clusters[j]+1 {
			j++
		}
		if i == j {
			runs = append(runs, strconv.FormatUint(uint64(clusters[i]), 10))
		} else {
			runs = append(runs, fmt.Sprintf("%d-%d", clusters[i], clusters[j]))
		}
		i = j + 1
	}
	return strings.Join(runs, ", ")
}

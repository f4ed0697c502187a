// The rawcat command reads files straight from the raw storage of NTFS, exFAT and FAT12/16/32 volumes, without
// involving the file system driver of the operating system. This makes it possible to copy files that are locked or
// hidden, or to recover files from a cluster chain of a damaged volume.
package main

import (
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/t9t/rawfs/config"
	"github.com/t9t/rawfs/device"
	"github.com/t9t/rawfs/fat"
	"github.com/t9t/rawfs/fragment"
)

const (
	exitCodeUserError int = iota + 2
	exitCodeFunctionalError
	exitCodeTechnicalError
)

const isWin = runtime.GOOS == "windows"

var version = "development"

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := newApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func newApp() *cli.App {
	app := &cli.App{
		Name:    "rawcat",
		Usage:   "Read files from the raw storage of NTFS, exFAT and FAT volumes",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, TakesFile: true, Usage: "TOML file with cache settings for the metadata and data devices", EnvVars: []string{"RAWCAT_CONFIG"}},
			&cli.Int64Flag{Name: "offset", Usage: "Byte offset of the volume on the device, for example the start of a partition in a disk image"},
			&cli.StringFlag{Name: "metadata-policy", Usage: "Cache policy of the metadata device, overrides the configuration file"},
			&cli.StringFlag{Name: "data-policy", Usage: "Cache policy of the data device, overrides the configuration file"},
			&cli.IntFlag{Name: "block-size", Usage: "Cache block size of both devices, overrides the configuration file"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Print details about what's going on"},
			&cli.BoolFlag{Name: "debug", Usage: "Print every device read and chain walk"},
			&cli.BoolFlag{Name: "stats", Usage: "Print block cache statistics when done"},
		},
		Before: setup,
	}

	outputFlags := []cli.Flag{
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Overwrite the output file if it already exists"},
		&cli.BoolFlag{Name: "progress", Aliases: []string{"p"}, Usage: "Show progress while copying"},
		&cli.BoolFlag{Name: "checksum", Usage: "Print the BLAKE3 digest of the copied data"},
	}

	app.Commands = []*cli.Command{
		{
			Name:      "mft",
			Usage:     "Dump the MFT of an NTFS volume to a file",
			ArgsUsage: "<volume> <output file>",
			Flags:     outputFlags,
			Action:    dumpMft,
		},
		{
			Name:      "ntfs",
			Usage:     "Copy the data of an NTFS file, identified by its MFT record number, to a file",
			ArgsUsage: "<volume> <record number> <output file>",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "stream", Usage: "Name of the alternate data stream to copy instead of the main one"},
			}, outputFlags...),
			Action: copyNtfsFile,
		},
		{
			Name:      "ls",
			Usage:     "List an NTFS directory, identified by its MFT record number (5 is the root directory)",
			ArgsUsage: "<volume> [record number]",
			Action:    listNtfsDirectory,
		},
		{
			Name:      "stat",
			Usage:     "Show the header, names, timestamps and attribute extents of an NTFS record",
			ArgsUsage: "<volume> <record number>",
			Action:    printNtfsRecord,
		},
		{
			Name:      "fat",
			Usage:     "Copy a cluster chain of a FAT12, FAT16, FAT32 or exFAT volume to a file",
			ArgsUsage: "<volume> <output file>",
			Flags: append([]cli.Flag{
				&cli.UintFlag{Name: "start", Required: true, Usage: "First cluster of the file"},
				&cli.Int64Flag{Name: "size", Usage: "Size of the file in bytes; 0 follows the chain up to its end marker"},
				&cli.BoolFlag{Name: "contiguous", Usage: "The file is stored in consecutive clusters (the exFAT NoFatChain flag)"},
			}, outputFlags...),
			Action: copyFatChain,
		},
		{
			Name:      "chain",
			Usage:     "Validate the cluster chain of a FAT12, FAT16, FAT32 or exFAT volume and print its clusters",
			ArgsUsage: "<volume> <start cluster>",
			Action:    printFatChain,
		},
	}
	return app
}

// setup loads the configuration file and configures logging. The --verbose and --debug flags take precedence over the
// log level of the configuration file.
func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err, exitCodeUserError)
	}
	c.App.Metadata = map[string]interface{}{"config": cfg}

	level := logrus.WarnLevel
	if cfg.LogLevel != "" {
		level, err = logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return cli.Exit(err, exitCodeUserError)
		}
	}
	switch {
	case c.Bool("debug"):
		level = logrus.DebugLevel
	case c.Bool("verbose"):
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logger := logrus.StandardLogger()
	device.SetLogger(logger)
	fat.SetLogger(logger)
	fragment.SetLogger(logger)
	return nil
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/float32/persist/pkg/common/log"
	"github.com/float32/persist/pkg/config"
	"github.com/float32/persist/pkg/nvmem"
	"github.com/float32/persist/pkg/snapshot"
)

const helpText = `
persist - inspector and driver for NVMem region images.

Usage:
  persist -create -profile p.json image.nvm   - Create a fresh region image
  persist -dump [-codec zstd] image.nvm snap  - Export a snapshot of an image
  persist -restore image.nvm snap             - Restore an image from a snapshot
  persist [options] image.nvm                 - Open an image in the interactive shell

Options:
  -profile string     - Device profile (JSON); defaults to a 4KiB flash profile
  -record-size int    - Record size in bytes (overridden by -profile)
  -version int        - Record schema version (overridden by -profile)
  -codec string       - Snapshot compression: none, snappy, zstd
  -debug              - Enable debug logging

Commands (interactive mode only):
  .help               - Show this help message
  .map                - Show a per-block map of the region
  .blocks             - List block geometry and state
  .init               - Re-run the recovery scan
  .load               - Load and print the active record
  .save HEX           - Persist a record given as hex bytes
  .dump PATH          - Export a zstd snapshot of the region
  .stats              - Show device operation statistics
  .exit               - Exit the program
`

// Config holds the resolved tool configuration.
type Config struct {
	Create     bool
	Dump       bool
	Restore    bool
	Codec      snapshot.Codec
	Profile    *config.Profile
	ImagePath  string
	TargetPath string
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	switch {
	case cfg.Create:
		err = runCreate(cfg)
	case cfg.Dump:
		err = runDump(cfg)
	case cfg.Restore:
		err = runRestore(cfg)
	default:
		err = runShell(cfg)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func parseFlags() (Config, error) {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), helpText)
	}

	createMode := flag.Bool("create", false, "Create a fresh region image")
	dumpMode := flag.Bool("dump", false, "Export a snapshot of a region image")
	restoreMode := flag.Bool("restore", false, "Restore a region image from a snapshot")
	profilePath := flag.String("profile", "", "Device profile (JSON)")
	recordSize := flag.Int("record-size", 16, "Record size in bytes")
	version := flag.Int("version", 1, "Record schema version")
	codecName := flag.String("codec", "zstd", "Snapshot compression: none, snappy, zstd")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	if *debug {
		log.GetDefaultLogger().SetLevel(log.LevelDebug)
	}

	var cfg Config
	cfg.Create = *createMode
	cfg.Dump = *dumpMode
	cfg.Restore = *restoreMode

	codec, err := snapshot.ParseCodec(*codecName)
	if err != nil {
		return cfg, err
	}
	cfg.Codec = codec

	if *profilePath != "" {
		profile, err := config.LoadProfile(*profilePath)
		if err != nil {
			return cfg, err
		}
		cfg.Profile = profile
	} else {
		profile := config.NewDefaultProfile()
		profile.RecordSize = *recordSize
		profile.DatatypeVersion = uint8(*version)
		cfg.Profile = profile
	}

	if flag.NArg() < 1 {
		return cfg, fmt.Errorf("no region image given; see persist -h")
	}
	cfg.ImagePath = flag.Arg(0)
	if flag.NArg() > 1 {
		cfg.TargetPath = flag.Arg(1)
	}

	if (cfg.Dump || cfg.Restore) && cfg.TargetPath == "" {
		return cfg, fmt.Errorf("snapshot path missing; see persist -h")
	}

	return cfg, nil
}

func runCreate(cfg Config) error {
	dev, err := nvmem.CreateFileDevice(cfg.ImagePath, cfg.Profile.Geometry())
	if err != nil {
		return err
	}
	defer dev.Close()

	fmt.Printf("Created %s: %d bytes, erase %d, write %d, fill %#02x\n",
		cfg.ImagePath, cfg.Profile.Size, cfg.Profile.EraseGranularity,
		cfg.Profile.WriteGranularity, cfg.Profile.FillByte)
	return nil
}

func runDump(cfg Config) error {
	dev, err := nvmem.OpenFileDevice(cfg.ImagePath)
	if err != nil {
		return err
	}
	defer dev.Close()

	out, err := os.Create(cfg.TargetPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer out.Close()

	if err := snapshot.Export(out, dev, cfg.Codec); err != nil {
		return err
	}

	fmt.Printf("Exported %s to %s (%s)\n", cfg.ImagePath, cfg.TargetPath, cfg.Codec)
	return nil
}

func runRestore(cfg Config) error {
	dev, err := nvmem.OpenFileDevice(cfg.ImagePath)
	if err != nil {
		return err
	}
	defer dev.Close()

	in, err := os.Open(cfg.TargetPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer in.Close()

	if err := snapshot.Restore(in, dev); err != nil {
		return err
	}

	fmt.Printf("Restored %s from %s\n", cfg.ImagePath, cfg.TargetPath)
	return nil
}

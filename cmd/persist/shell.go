package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/float32/persist/pkg/nvmem"
	"github.com/float32/persist/pkg/persist"
	"github.com/float32/persist/pkg/snapshot"
	"github.com/float32/persist/pkg/stats"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".map"),
	readline.PcItem(".blocks"),
	readline.PcItem(".init"),
	readline.PcItem(".load"),
	readline.PcItem(".save"),
	readline.PcItem(".dump"),
	readline.PcItem(".stats"),
	readline.PcItem(".exit"),
)

// shell drives one region image interactively.
type shell struct {
	dev       *nvmem.FileDevice
	metered   *nvmem.MeteredDevice
	collector *stats.Collector
	store     *persist.Store
}

func runShell(cfg Config) error {
	dev, err := nvmem.OpenFileDevice(cfg.ImagePath)
	if err != nil {
		return err
	}
	defer dev.Close()

	collector := stats.NewCollector()
	metered := nvmem.NewMeteredDevice(dev, collector)

	store, err := persist.New(metered, persist.Options{
		RecordSize:      cfg.Profile.RecordSize,
		Version:         cfg.Profile.DatatypeVersion,
		AllowSinglePage: cfg.Profile.AllowSinglePage,
		Collector:       collector,
	})
	if err != nil {
		return err
	}
	if err := store.Init(); err != nil {
		return err
	}

	sh := &shell{dev: dev, metered: metered, collector: collector, store: store}

	fmt.Printf("Opened %s: %d pages of %d blocks (%d-byte records, schema v%d)\n",
		cfg.ImagePath, store.NumPages(), store.BlocksPerPage(),
		store.RecordSize(), cfg.Profile.DatatypeVersion)
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".persist_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "persist> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		done, err := sh.execute(line)
		if err != nil {
			color.Red("Error: %s", err)
		}
		if done {
			return nil
		}
	}
}

// execute runs one shell command. It returns true when the shell should
// exit.
func (sh *shell) execute(line string) (bool, error) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case ".exit", ".quit":
		return true, nil

	case ".help":
		fmt.Print(helpText)
		return false, nil

	case ".map":
		return false, sh.printMap()

	case ".blocks":
		return false, sh.printBlocks()

	case ".init":
		if err := sh.store.Init(); err != nil {
			return false, err
		}
		sh.printActive()
		return false, nil

	case ".load":
		data := make([]byte, sh.store.RecordSize())
		if err := sh.store.Load(data); err != nil {
			return false, err
		}
		fmt.Printf("%s\n", hex.EncodeToString(data))
		return false, nil

	case ".save":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: .save HEX")
		}
		data, err := hex.DecodeString(fields[1])
		if err != nil {
			return false, fmt.Errorf("invalid hex record: %w", err)
		}
		if err := sh.store.Save(data); err != nil {
			return false, err
		}
		sh.printActive()
		return false, nil

	case ".dump":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: .dump PATH")
		}
		return false, sh.dump(fields[1])

	case ".stats":
		sh.printStats()
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %q; see .help", cmd)
	}
}

func (sh *shell) printActive() {
	if n, ok := sh.store.ActiveBlock(); ok {
		fmt.Printf("Active block %d, sequence %d\n", n, sh.store.Sequence())
	} else {
		fmt.Println("No active block")
	}
}

// printMap renders one character per block, grouped by page.
func (sh *shell) printMap() error {
	activeGlyph := color.New(color.FgGreen, color.Bold).SprintFunc()
	validGlyph := color.New(color.FgCyan).SprintFunc()
	erasedGlyph := color.New(color.Faint).SprintFunc()
	invalidGlyph := color.New(color.FgRed).SprintFunc()

	active, hasActive := sh.store.ActiveBlock()

	for page := uint32(0); page < sh.store.NumPages(); page++ {
		var row strings.Builder
		for i := uint32(0); i < sh.store.BlocksPerPage(); i++ {
			n := page*sh.store.BlocksPerPage() + i
			if n >= sh.store.NumBlocks() {
				break
			}

			switch {
			case hasActive && n == active:
				row.WriteString(activeGlyph("A"))
			case sh.metered.Writable(sh.store.BlockLocation(n), sh.store.BlockSize()):
				row.WriteString(erasedGlyph("."))
			default:
				_, valid, err := sh.store.VerifyBlock(n)
				if err != nil {
					return err
				}
				if valid {
					row.WriteString(validGlyph("v"))
				} else {
					row.WriteString(invalidGlyph("x"))
				}
			}
		}
		fmt.Printf("page %2d  %s\n", page, row.String())
	}

	fmt.Printf("%s active  %s valid  %s erased  %s invalid\n",
		activeGlyph("A"), validGlyph("v"), erasedGlyph("."), invalidGlyph("x"))
	return nil
}

func (sh *shell) printBlocks() error {
	fmt.Printf("block size %d, page size %d, %d blocks/page, %d pages, %d blocks\n",
		sh.store.BlockSize(), sh.store.PageSize(), sh.store.BlocksPerPage(),
		sh.store.NumPages(), sh.store.NumBlocks())

	for n := uint32(0); n < sh.store.NumBlocks(); n++ {
		if sh.metered.Writable(sh.store.BlockLocation(n), sh.store.BlockSize()) {
			continue
		}
		seq, valid, err := sh.store.VerifyBlock(n)
		if err != nil {
			return err
		}
		state := "invalid"
		if valid {
			state = "valid"
		}
		if active, ok := sh.store.ActiveBlock(); ok && n == active {
			state += " (active)"
		}
		fmt.Printf("  block %4d @ %6d  seq %5d  %s\n",
			n, sh.store.BlockLocation(n), seq, state)
	}
	return nil
}

func (sh *shell) dump(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer out.Close()

	if err := snapshot.Export(out, sh.dev, snapshot.CodecZstd); err != nil {
		return err
	}
	fmt.Printf("Exported snapshot to %s\n", path)
	return nil
}

func (sh *shell) printStats() {
	s := sh.collector.GetStats()

	fmt.Println("Device operations:")
	for _, op := range []stats.OperationType{stats.OpRead, stats.OpWritable, stats.OpWrite, stats.OpErase} {
		fmt.Printf("  %-9s %8d ok, %d failed\n", op, s.Counts[op], s.Errors[op])
	}
	fmt.Printf("Bytes: %d read, %d written, %d erased\n",
		s.BytesRead, s.BytesWritten, s.BytesErased)
	fmt.Printf("Recovery: %d scans, %d blocks scanned, %d CRC rejects, %d candidate switches, %v total\n",
		s.RecoveryScans, s.RecoveryBlocksScanned, s.RecoveryCRCRejects,
		s.RecoveryCandidateSwitches, s.RecoveryScanDuration)
}

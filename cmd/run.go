// Package cmd implements the CLI surface: run/step subcommands over
// urfave/cli/v2, structured logging via go-ethereum/log, and JSON
// machine-state load/save (SPEC_FULL.md §3.1, §4.6, grounded on
// asterisc's rvgo/cmd package).
package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/cartesi-go/machine/machine/config"
	"github.com/cartesi-go/machine/machine/interp"
	"github.com/cartesi-go/machine/machine/state"
)

var (
	RAMFlag      = &cli.Uint64Flag{Name: "ram", Usage: "RAM length in bytes", Value: 128 << 20}
	ROMFlag      = &cli.PathFlag{Name: "rom", Usage: "path to a raw ROM image (boot trampoline + FDT); default builds one"}
	BootArgsFlag = &cli.StringFlag{Name: "bootargs", Usage: "kernel boot arguments embedded in the FDT"}
	StopAtFlag   = &cli.Uint64Flag{Name: "stop-at", Usage: "stop once mcycle reaches this value", Value: 1_000_000}
	FlashFlag    = &cli.StringSliceFlag{Name: "flash", Usage: "path[:shared] of a flash drive image, repeatable"}
	StateInFlag  = &cli.PathFlag{Name: "input", Usage: "path to a state.MachineJSON snapshot to load before running"}
	StateOutFlag = &cli.PathFlag{Name: "output", Usage: "path to write the post-run state.MachineJSON snapshot", Value: "state.json"}
)

var RunCommand = &cli.Command{
	Name:  "run",
	Usage: "run the machine to completion or until stop-at, fast (unlogged) execution",
	Flags: []cli.Flag{RAMFlag, ROMFlag, BootArgsFlag, StopAtFlag, FlashFlag, StateInFlag, StateOutFlag},
	Action: func(ctx *cli.Context) error {
		m, l, err := buildMachine(ctx)
		if err != nil {
			return err
		}

		if inPath := ctx.Path(StateInFlag.Name); inPath != "" {
			if err := loadStateSnapshot(m, inPath); err != nil {
				return err
			}
			l.Info("loaded state snapshot", "path", inPath)
		}

		start := time.Now()
		stopAt := ctx.Uint64(StopAtFlag.Name)
		l.Info("starting run", "ram", ctx.Uint64(RAMFlag.Name), "stop-at", stopAt)

		if err := interp.Run(m, stopAt); err != nil {
			return fmt.Errorf("run failed at mcycle %d: %w", m.GetMcycle(), err)
		}

		l.Info("run finished",
			"mcycle", m.GetMcycle(),
			"halted", m.GetIflags().H,
			"yielded", m.GetIflags().Y,
			"elapsed", time.Since(start),
		)

		if err := writeStateSnapshot(m, ctx.Path(StateOutFlag.Name)); err != nil {
			return err
		}
		return nil
	},
}

// writeStateSnapshot marshals m and writes it to path as indented JSON.
func writeStateSnapshot(m *state.Machine, path string) error {
	data, err := json.MarshalIndent(m.Marshal(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing state snapshot: %w", err)
	}
	return nil
}

// loadStateSnapshot reads path's JSON state.MachineJSON snapshot and
// restores it onto m (whose PMAs must already be registered with
// matching memory ranges).
func loadStateSnapshot(m *state.Machine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading state snapshot: %w", err)
	}
	var snap state.MachineJSON
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing state snapshot: %w", err)
	}
	if err := m.LoadSnapshot(&snap); err != nil {
		return fmt.Errorf("restoring state snapshot: %w", err)
	}
	return nil
}

func buildMachine(ctx *cli.Context) (*state.Machine, log.Logger, error) {
	l := Logger(os.Stderr, logLevel(ctx))
	writer := &ConsoleWriter{Name: "console", Log: l}

	cfg := config.Config{
		RAMLength: ctx.Uint64(RAMFlag.Name),
		BootArgs:  ctx.String(BootArgsFlag.Name),
		Writer:    writer,
	}

	for _, spec := range ctx.StringSlice(FlashFlag.Name) {
		path, shared := spec, false
		if len(spec) > 7 && spec[len(spec)-7:] == ":shared" {
			path, shared = spec[:len(spec)-7], true
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, nil, fmt.Errorf("flash drive %q: %w", path, err)
		}
		cfg.FlashDrives = append(cfg.FlashDrives, config.FlashDrive{Path: path, Length: uint64(fi.Size()), Shared: shared})
	}

	if romPath := ctx.Path(ROMFlag.Name); romPath != "" {
		img, err := os.ReadFile(romPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading ROM image: %w", err)
		}
		cfg.ROMImage = img
		cfg.ROMLength = uint64(len(img))
	} else {
		img, err := config.WriteROMImage(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building default ROM image: %w", err)
		}
		cfg.ROMImage = img
	}

	m, err := config.Build(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building machine: %w", err)
	}
	return m, l, nil
}

func logLevel(ctx *cli.Context) slog.Level {
	if ctx.Bool("verbose") {
		return log.LevelDebug
	}
	return log.LevelInfo
}

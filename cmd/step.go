package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cartesi-go/machine/machine/access"
	"github.com/cartesi-go/machine/machine/interp"
)

var (
	StepsFlag  = &cli.Uint64Flag{Name: "steps", Usage: "number of instructions to step through logged execution", Value: 1}
	OutputFlag = &cli.PathFlag{Name: "output", Usage: "path to write the resulting access log as JSON", Value: "log.json"}
)

// StepCommand drives logged execution and writes the resulting
// access.Log to disk: the witness a verifier replays (spec.md §4.7). If
// --input names a state snapshot it is loaded before stepping and
// overwritten with the post-step state afterward.
var StepCommand = &cli.Command{
	Name:  "step",
	Usage: "step the machine under logged (proof-carrying) execution and emit an access log",
	Flags: []cli.Flag{RAMFlag, ROMFlag, BootArgsFlag, FlashFlag, StepsFlag, OutputFlag, StateInFlag},
	Action: func(ctx *cli.Context) error {
		m, l, err := buildMachine(ctx)
		if err != nil {
			return err
		}

		if inPath := ctx.Path(StateInFlag.Name); inPath != "" {
			if err := loadStateSnapshot(m, inPath); err != nil {
				return err
			}
		}

		logged := access.NewLogged(m)
		steps := ctx.Uint64(StepsFlag.Name)
		for i := uint64(0); i < steps; i++ {
			if m.GetBrk() {
				l.Info("machine halted/yielded early", "step", i)
				break
			}
			if err := interp.Step[*access.Logged](logged, m); err != nil {
				return fmt.Errorf("logged step %d failed: %w", i, err)
			}
		}

		data, err := json.MarshalIndent(logged.Log, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling access log: %w", err)
		}
		if err := os.WriteFile(ctx.Path(OutputFlag.Name), data, 0o644); err != nil {
			return fmt.Errorf("writing access log: %w", err)
		}
		l.Info("access log written", "path", ctx.Path(OutputFlag.Name), "accesses", len(logged.Log.Accesses))

		if inPath := ctx.Path(StateInFlag.Name); inPath != "" {
			if err := writeStateSnapshot(m, inPath); err != nil {
				return err
			}
			l.Info("post-step state snapshot written", "path", inPath)
		}
		return nil
	},
}

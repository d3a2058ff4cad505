package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cartesi-go/machine/machine/access"
	"github.com/cartesi-go/machine/machine/clint"
	"github.com/cartesi-go/machine/machine/config"
	"github.com/cartesi-go/machine/machine/htif"
	"github.com/cartesi-go/machine/machine/interp"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
)

var LogFlag = &cli.PathFlag{Name: "log", Usage: "path to a JSON access.Log to verify", Required: true}

// WitnessCommand replays an access.Log through access.Replay without
// trusting it, reporting the verified post-root or the first structured
// replay inconsistency. Grounded on asterisc's rvgo/cmd/witness.go.
var WitnessCommand = &cli.Command{
	Name:  "witness",
	Usage: "verify an access log independently of the machine that produced it",
	Subcommands: []*cli.Command{
		{
			Name:  "verify",
			Usage: "replay a logged execution and report its verified post-root",
			Flags: []cli.Flag{LogFlag},
			Action: func(ctx *cli.Context) error {
				l := Logger(os.Stderr, logLevel(ctx))

				data, err := os.ReadFile(ctx.Path(LogFlag.Name))
				if err != nil {
					return fmt.Errorf("reading access log: %w", err)
				}
				var accessLog access.Log
				if err := json.Unmarshal(data, &accessLog); err != nil {
					return fmt.Errorf("parsing access log: %w", err)
				}

				m, err := newWitnessMachine()
				if err != nil {
					return fmt.Errorf("building replay machine: %w", err)
				}
				replay := access.NewReplay(m, &accessLog, true)

				for i := 0; replay.Finish() != nil; i++ {
					if err := interp.Step[*access.Replay](replay, m); err != nil {
						var replayErr *access.ReplayError
						if errors.As(err, &replayErr) {
							l.Error("replay failed", "kind", replayErr.Kind, "index", replayErr.Index, "reason", replayErr.Msg)
							return replayErr
						}
						return fmt.Errorf("replay step %d: %w", i, err)
					}
				}

				l.Info("replay verified", "accesses", len(accessLog.Accesses), "root", replay.RootHash())
				fmt.Fprintf(ctx.App.Writer, "%x\n", replay.RootHash())
				return nil
			},
		},
	},
}

// newWitnessMachine builds a replay machine wired with the same
// shadow/CLINT/HTIF topology config.Build gives a real machine, at the
// same addresses, so that Replay's mirrored writes keep CLINT's
// mtime/mtimecmp comparison and HTIF's halt/yield Sink callbacks
// consistent with the logging run. RAM/ROM/flash are deliberately left
// unregistered: witness verify only needs the log/proof chain to check
// out, never actual memory contents, and an unregistered address is
// skipped by Replay rather than rejected.
func newWitnessMachine() (*state.Machine, error) {
	m := state.New()

	shadowDev := shadow.New(m)
	if _, err := m.PMAs.RegisterShadow(config.ShadowStart, shadow.PageSize, shadowDev); err != nil {
		return nil, fmt.Errorf("registering shadow: %w", err)
	}

	clintDev := clint.New(m, m)
	if _, err := m.PMAs.RegisterMMIO(config.CLINTStart, clint.PageSize, pma.DIDCLINT, clintDev); err != nil {
		return nil, fmt.Errorf("registering CLINT: %w", err)
	}

	htifDev := htif.New(nil, nil, m)
	if _, err := m.PMAs.RegisterMMIO(config.HTIFStart, htif.PageSize, pma.DIDHTIF, htifDev); err != nil {
		return nil, fmt.Errorf("registering HTIF: %w", err)
	}

	m.AttachDevices(shadowDev, clintDev, htifDev)
	return m, nil
}

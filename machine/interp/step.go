package interp

import (
	"github.com/cartesi-go/machine/machine/access"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
)

// Step drives exactly one instruction through the given access.Access
// backend: poll the timer, check for a pending interrupt, fetch, decode,
// execute, and retire. It is the shared core both the fast Run loop and
// the logged/replay backends call (spec.md §4.7, §9): trapSignal panics
// are recovered as state transitions (never surfaced), and accessFault
// panics surface as a genuine error.
func Step[A access.Access](a A, m *state.Machine) (outErr error) {
	c := newCPU(a, m)
	retired := false

	defer func() {
		mcycle := must(c.a.ReadWord(shadow.OffMcycle))
		mustW(c.a.WriteWord(shadow.OffMcycle, mcycle+1))
		if retired {
			minstret := must(c.a.ReadWord(shadow.OffMinstret))
			mustW(c.a.WriteWord(shadow.OffMinstret, minstret+1))
		}

		if r := recover(); r != nil {
			switch v := r.(type) {
			case trapSignal:
				c.deliverTrap(v)
			case accessFault:
				outErr = v.err
			default:
				panic(r)
			}
		}
	}()

	c.pollTimer()
	c.checkInterrupt()

	pc := c.pc()
	raw := c.fetchInstruction(pc)
	in := decode(raw)
	c.execute(in, pc)
	retired = true
	return nil
}

// Run advances the fast backend until mcycle reaches mcycleEnd or the
// machine halts/yields (spec.md §4.8). It is the direct-execution
// entry point used outside of witness generation.
func Run(m *state.Machine, mcycleEnd uint64) error {
	a := access.NewFast(m)
	for {
		if m.GetBrk() {
			return nil
		}
		mcycle := m.GetMcycle()
		if mcycle >= mcycleEnd {
			return nil
		}
		if err := Step[*access.Fast](a, m); err != nil {
			return err
		}
	}
}

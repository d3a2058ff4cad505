package access

import (
	"testing"

	"github.com/cartesi-go/machine/machine/clint"
	"github.com/cartesi-go/machine/machine/htif"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) *state.Machine {
	t.Helper()
	m := state.New()

	ramDriver := pma.NewRAMDriver(0x1000)
	_, err := m.PMAs.RegisterRAM(0x80000000, 0x1000, ramDriver)
	require.NoError(t, err)

	shadowDev := shadow.New(m)
	_, err = m.PMAs.RegisterShadow(0, 0x1000, shadowDev)
	require.NoError(t, err)

	clintDev := clint.New(m, m)
	_, err = m.PMAs.RegisterMMIO(0x2000000, 0x1000, pma.DIDCLINT, clintDev)
	require.NoError(t, err)

	htifDev := htif.New(nil, nil, m)
	_, err = m.PMAs.RegisterMMIO(0x40008000, 0x1000, pma.DIDHTIF, htifDev)
	require.NoError(t, err)

	m.AttachDevices(shadowDev, clintDev, htifDev)
	return m
}

func TestFastReadWriteMemory(t *testing.T) {
	m := newTestMachine(t)
	f := NewFast(m)

	require.NoError(t, f.WriteWord(0x80000000, 0xDEADBEEFCAFEBABE))
	v, err := f.ReadWord(0x80000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEFCAFEBABE), v)
}

func TestFastReadWriteRegisterViaShadowAddress(t *testing.T) {
	m := newTestMachine(t)
	f := NewFast(m)

	require.NoError(t, f.WriteWord(shadow.OffMepc, 0x1234))
	v, err := f.ReadWord(shadow.OffMepc)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v)
	assert.Equal(t, uint64(0x1234), m.GetMepc())
}

func TestLoggedThenReplaySucceeds(t *testing.T) {
	m := newTestMachine(t)
	l := NewLogged(m)

	require.NoError(t, l.WriteWord(0x80000000, 42))
	_, err := l.ReadWord(0x80000000)
	require.NoError(t, err)

	replayMachine := newTestMachine(t)
	replay := NewReplay(replayMachine, l.Log, true)
	require.NoError(t, replay.WriteWord(0x80000000, 42))
	v, err := replay.ReadWord(0x80000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
	require.NoError(t, replay.Finish())
	mirrored, err := NewFast(replayMachine).ReadWord(0x80000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), mirrored)
}

func TestReplayDetectsAddressMismatch(t *testing.T) {
	m := newTestMachine(t)
	l := NewLogged(m)
	require.NoError(t, l.WriteWord(0x80000000, 1))

	replay := NewReplay(newTestMachine(t), l.Log, true)
	err := replay.WriteWord(0x80000008, 1)
	require.Error(t, err)
	var rerr *ReplayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrAddressMismatch, rerr.Kind)
	assert.Equal(t, 1, rerr.Index)
}

func TestReplayDetectsWrittenValueMismatch(t *testing.T) {
	m := newTestMachine(t)
	l := NewLogged(m)
	require.NoError(t, l.WriteWord(0x80000000, 1))

	replay := NewReplay(newTestMachine(t), l.Log, true)
	err := replay.WriteWord(0x80000000, 2)
	require.Error(t, err)
	var rerr *ReplayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrWrittenValueMismatch, rerr.Kind)
}

func TestReplayDetectsTooManyAccesses(t *testing.T) {
	m := newTestMachine(t)
	l := NewLogged(m)
	require.NoError(t, l.WriteWord(0x80000000, 1))

	replay := NewReplay(newTestMachine(t), l.Log, true)
	require.NoError(t, replay.WriteWord(0x80000000, 1))
	_, err := replay.ReadWord(0x80000000)
	require.Error(t, err)
	var rerr *ReplayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrTooManyAccesses, rerr.Kind)
}

package regmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWordBankReadWriteRoundTrip(t *testing.T) {
	var space Space
	require.NoError(t, space.Add(NewWordBank(0x0010, 8, false)))

	require.NoError(t, space.WriteWords(0x0012, []uint16{0xAAAA, 0xBBBB}))
	got, err := space.ReadWords(0x0012, 2)
	require.NoError(t, err)
	require.Equal(t, []uint16{0xAAAA, 0xBBBB}, got)
}

func TestSpaceRejectsOutOfRange(t *testing.T) {
	var space Space
	require.NoError(t, space.Add(NewWordBank(0x0010, 4, false)))

	_, err := space.ReadWords(0x0013, 2) // spans past the bank's end
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = space.ReadWords(0x0020, 1) // entirely outside any bank
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestSpaceRequestMustFitOneBank(t *testing.T) {
	var space Space
	require.NoError(t, space.Add(NewWordBank(0x0000, 4, false)))
	require.NoError(t, space.Add(NewWordBank(0x0004, 4, false))) // adjacent, legal

	// a window straddling both adjacent banks is out of range, not merged.
	_, err := space.ReadWords(0x0002, 4)
	require.ErrorIs(t, err, ErrOutOfRange)

	// but a window fully inside either bank works.
	_, err = space.ReadWords(0x0004, 4)
	require.NoError(t, err)
}

func TestSpaceAddRejectsOverlap(t *testing.T) {
	var space Space
	require.NoError(t, space.Add(NewWordBank(0x0000, 4, false)))
	err := space.Add(NewWordBank(0x0002, 4, false))
	require.ErrorIs(t, err, ErrOverlap)
}

func TestReadOnlyBankRejectsWriteAndLeavesStorageUnchanged(t *testing.T) {
	var space Space
	require.NoError(t, space.Add(NewWordBank(0x0020, 2, true)))

	err := space.WriteWords(0x0020, []uint16{0x1111})
	require.ErrorIs(t, err, ErrReadOnly)

	got, err := space.ReadWords(0x0020, 2)
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 0}, got, "storage must be untouched by the rejected write")
}

func TestBitBankReadWriteRoundTrip(t *testing.T) {
	var space Space
	require.NoError(t, space.Add(NewBitBank(0, 16, false)))

	require.NoError(t, space.WriteBits(0, []bool{true, false, true, true}))
	got, err := space.ReadBits(0, 4)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true, true}, got)
}

func TestMapKeepsSpacesIndependent(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.AddHoldingRegisterBank(NewWordBank(0, 4, false)))
	require.NoError(t, m.AddInputRegisterBank(NewWordBank(0, 4, true)))

	require.NoError(t, m.HoldingRegisters.WriteWord(0, 42))
	v, err := m.HoldingRegisters.ReadWord(0)
	require.NoError(t, err)
	require.Equal(t, uint16(42), v)

	// Input registers at the same address are a distinct, untouched space.
	v2, err := m.InputRegisters.ReadWord(0)
	require.NoError(t, err)
	require.Equal(t, uint16(0), v2)
}

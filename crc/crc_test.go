package crc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16EmptyIsInit(t *testing.T) {
	require.Equal(t, uint16(0xFFFF), CRC16(nil))
	require.Equal(t, uint16(0xFFFF), CRC16([]byte{}))
}

func TestCRC16KnownVector(t *testing.T) {
	// FC03 read holding registers request: unit 0x11, addr 0x006B, qty 3.
	// Known-good Modbus CRC example: CRC16 == 0x8776 (wire order 0x76 0x87).
	frame := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	require.Equal(t, uint16(0x8776), CRC16(frame))
}

func TestCRC16BitwiseAndTableAgree(t *testing.T) {
	// The table-driven implementation must agree with a direct bitwise
	// computation for arbitrary input, including the empty input.
	bitwise := func(buf []byte) uint16 {
		crc := uint16(0xFFFF)
		for _, b := range buf {
			crc ^= uint16(b)
			for i := 0; i < 8; i++ {
				if crc&1 != 0 {
					crc = (crc >> 1) ^ 0xA001
				} else {
					crc >>= 1
				}
			}
		}
		return crc
	}

	cases := [][]byte{
		nil,
		{},
		{0x01},
		{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		make([]byte, 300),
	}
	for _, c := range cases {
		require.Equal(t, bitwise(c), CRC16(c))
	}
}

func TestValidate(t *testing.T) {
	frame := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}
	require.True(t, Validate(frame))

	// Flip the last byte: validation must fail with certainty.
	tampered := append([]byte(nil), frame...)
	tampered[len(tampered)-1] ^= 0xFF
	require.False(t, Validate(tampered))

	require.False(t, Validate([]byte{0x01}))
	require.False(t, Validate(nil))
}

func TestLRC8(t *testing.T) {
	require.Equal(t, uint8(0), LRC8(nil))
	require.Equal(t, uint8(0), LRC8([]byte{}))

	// LRC of a byte sequence is the two's complement of its sum mod 256.
	buf := []byte{0x02, 0x07, 0x01, 0x00, 0x0A}
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	require.Equal(t, uint8(-int8(sum)), LRC8(buf))

	// Appending the LRC byte must make the total sum (mod 256) zero.
	withLRC := append(append([]byte(nil), buf...), LRC8(buf))
	var total uint8
	for _, b := range withLRC {
		total += b
	}
	require.Equal(t, uint8(0), total)
}

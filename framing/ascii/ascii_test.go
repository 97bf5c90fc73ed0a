package ascii

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maling6/mbcore/framing"
)

// fakeTransport is a stream-backed Transport fake mirroring the RTU
// framer's test double.
type fakeTransport struct {
	data    []byte
	pos     int
	now     int64
	sent    [][]byte
	sendErr error
}

func (f *fakeTransport) Recv(buf []byte) (int, error) {
	remaining := len(f.data) - f.pos
	if remaining <= 0 {
		return 0, nil
	}
	want := len(buf)
	if want > remaining {
		want = remaining
	}
	n := copy(buf, f.data[f.pos:f.pos+want])
	f.pos += n
	return n, nil
}

func (f *fakeTransport) Send(buf []byte) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeTransport) Now() int64 { return f.now }
func (f *fakeTransport) Yield()     {}

func TestASCIIDecodeValidFrame(t *testing.T) {
	frame, err := Encode(0x11, 0x03, []byte{0x00, 0x02})
	require.NoError(t, err)
	require.Equal(t, byte(':'), frame[0])

	tr := &fakeTransport{data: frame}
	f := New()

	var adu framing.ADU
	var status framing.Status
	var ready bool
	for tr.pos < len(tr.data) {
		adu, status, ready = f.Poll(tr)
		if ready {
			break
		}
	}
	require.True(t, ready)
	require.Equal(t, framing.StatusOK, status)
	require.Equal(t, uint8(0x11), adu.UnitID)
	require.Equal(t, uint8(0x03), adu.Function)
	require.Equal(t, []byte{0x00, 0x02}, adu.Payload)
}

func TestASCIITamperedLRCDetected(t *testing.T) {
	frame, err := Encode(0x11, 0x03, []byte{0x00, 0x02})
	require.NoError(t, err)
	// mutate the last hex digit (part of the LRC byte, just before the
	// trailing CRLF) into a different-but-still-valid hex digit.
	last := len(frame) - 3
	if frame[last] == '0' {
		frame[last] = '1'
	} else {
		frame[last] = '0'
	}

	tr := &fakeTransport{data: frame}
	f := New()
	var status framing.Status
	var ready bool
	for tr.pos < len(tr.data) {
		_, status, ready = f.Poll(tr)
		if ready {
			break
		}
	}
	require.True(t, ready)
	require.Equal(t, framing.StatusCRC, status)
}

func TestASCIISendGuardFreeAndSendError(t *testing.T) {
	tr := &fakeTransport{}
	f := New()
	frame, err := Encode(1, 3, []byte{0, 1})
	require.NoError(t, err)

	status := f.Send(tr, frame)
	require.Equal(t, framing.StatusOK, status)

	tr.sendErr = errors.New("boom")
	status = f.Send(tr, frame)
	require.Equal(t, framing.StatusIOError, status)
}

func TestASCIIRoundTripLRC(t *testing.T) {
	frame, err := Encode(0x05, 0x10, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)

	tr := &fakeTransport{data: frame}
	f := New()
	var adu framing.ADU
	var ready bool
	for tr.pos < len(tr.data) {
		adu, _, ready = f.Poll(tr)
		if ready {
			break
		}
	}
	require.True(t, ready)
	require.Equal(t, uint8(0x05), adu.UnitID)
	require.Equal(t, uint8(0x10), adu.Function)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, adu.Payload)
}

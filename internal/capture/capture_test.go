package capture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdp-conntrack/internal/worker"
)

func testFrame(n int, fill byte) []byte {
	b := bytes.Repeat([]byte{fill}, n)
	// EtherType IPv4
	b[12], b[13] = 0x08, 0x00
	return b
}

func TestRecorderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, 0)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 123000).UTC()
	require.NoError(t, rec.Record(worker.Frame{Data: testFrame(60, 0xAA), Ifindex: 2, Timestamp: ts}))
	require.NoError(t, rec.Record(worker.Frame{Data: testFrame(98, 0xBB), Ifindex: 2, Timestamp: ts.Add(time.Millisecond)}))

	r, err := NewReader(&buf)
	require.NoError(t, err)

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, testFrame(60, 0xAA), data)
	assert.True(t, ts.Equal(ci.Timestamp))

	data, _, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 98)

	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecorderTruncatesToSnaplen(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, 64)
	require.NoError(t, err)
	require.NoError(t, rec.Record(worker.Frame{Data: testFrame(200, 0xCC)}))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 64)
	assert.Equal(t, 200, ci.Length)
	assert.False(t, ci.Timestamp.IsZero())
}

func TestNewReaderPcapng(t *testing.T) {
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	require.NoError(t, err)
	frame := testFrame(74, 0x11)
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame))
	require.NoError(t, w.Flush())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, frame, data)
}

func TestNewReaderRejectsNonEthernet(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeRaw))

	_, err := NewReader(&buf)
	assert.ErrorIs(t, err, ErrLinkType)

	_, err = NewReader(bytes.NewReader([]byte{0x01}))
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	rec, err := NewRecorder(f, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Record(worker.Frame{Data: testFrame(60+i, byte(i))}))
	}
	require.NoError(t, f.Close())

	rp, err := OpenReplay(path, 7)
	require.NoError(t, err)
	defer rp.Close()

	var got []worker.Frame
	for {
		fr, err := rp.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, fr)
	}
	require.Len(t, got, 3)
	for i, fr := range got {
		assert.Equal(t, 7, fr.Ifindex)
		assert.Len(t, fr.Data, 60+i)
	}

	_, err = OpenReplay(filepath.Join(t.TempDir(), "missing.pcap"), 0)
	assert.Error(t, err)
}

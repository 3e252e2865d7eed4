// Package capture provides frame sources for the worker pool (live
// AF_PACKET capture and pcap/pcapng replay) and a bounded pcap recorder.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"xdp-conntrack/internal/worker"
)

const DefaultSnapLen = 65535

var ErrLinkType = errors.New("unsupported link type")

const pcapngMagic = 0x0A0D0D0A

// PacketReader is implemented by the pcapgo readers.
type PacketReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Live reads frames from an interface through an AF_PACKET socket.
type Live struct {
	handle  *pcapgo.EthernetHandle
	ifindex int
}

// OpenLive opens ifname for capture. snaplen <= 0 keeps the default.
func OpenLive(ifname string, ifindex, snaplen int, promisc bool) (*Live, error) {
	h, err := pcapgo.NewEthernetHandle(ifname)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ifname, err)
	}
	if snaplen > 0 {
		if err := h.SetCaptureLength(snaplen); err != nil {
			h.Close()
			return nil, fmt.Errorf("set snaplen: %w", err)
		}
	}
	if promisc {
		if err := h.SetPromiscuous(true); err != nil {
			h.Close()
			return nil, fmt.Errorf("set promiscuous: %w", err)
		}
	}
	return &Live{handle: h, ifindex: ifindex}, nil
}

// ReadFrame blocks until a frame arrives or the handle is closed.
func (l *Live) ReadFrame() (worker.Frame, error) {
	data, ci, err := l.handle.ReadPacketData()
	if err != nil {
		return worker.Frame{}, err
	}
	return worker.Frame{Data: data, Ifindex: l.ifindex, Timestamp: ci.Timestamp}, nil
}

func (l *Live) Close() error {
	l.handle.Close()
	return nil
}

// Replay reads frames from a pcap or pcapng file.
type Replay struct {
	file    *os.File
	reader  PacketReader
	ifindex int
}

// OpenReplay opens path and detects the file format from its magic number.
// Only Ethernet captures are accepted.
func OpenReplay(path string, ifindex int) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Replay{file: f, reader: r, ifindex: ifindex}, nil
}

// NewReader returns a packet reader over a pcap or pcapng stream.
func NewReader(r io.Reader) (PacketReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		if lt := ng.LinkType(); lt != layers.LinkTypeEthernet {
			return nil, fmt.Errorf("%v: %w", lt, ErrLinkType)
		}
		return ng, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, err
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%v: %w", lt, ErrLinkType)
	}
	return pr, nil
}

// ReadFrame returns the next frame or io.EOF at the end of the file.
func (r *Replay) ReadFrame() (worker.Frame, error) {
	data, ci, err := r.reader.ReadPacketData()
	if err != nil {
		return worker.Frame{}, err
	}
	return worker.Frame{Data: data, Ifindex: r.ifindex, Timestamp: ci.Timestamp}, nil
}

func (r *Replay) Close() error {
	return r.file.Close()
}

// Recorder appends frames, truncated to snaplen, to a pcap stream.
// It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	snaplen int
}

// NewRecorder writes the pcap file header to w.
func NewRecorder(w io.Writer, snaplen int) (*Recorder, error) {
	if snaplen <= 0 {
		snaplen = DefaultSnapLen
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(snaplen), layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{w: pw, snaplen: snaplen}, nil
}

// Record writes one frame.
func (r *Recorder) Record(f worker.Frame) error {
	data := f.Data
	if len(data) > r.snaplen {
		data = data[:r.snaplen]
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      ts,
		CaptureLength:  len(data),
		Length:         len(f.Data),
		InterfaceIndex: f.Ifindex,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.WritePacket(ci, data)
}

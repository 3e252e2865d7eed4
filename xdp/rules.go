package xdp

import (
	"encoding/binary"
	"fmt"

	"xdp-conntrack/pkg/filter"
	"xdp-conntrack/pkg/metrics"
)

// KernelRuleSize is sizeof(struct filter_rule).
const KernelRuleSize = 32

// struct perf_stats: 16 type buckets, 256 code buckets, 9 scalar counters.
const (
	kernelStatsScalars = 9
	KernelStatsSize    = (metrics.ICMPTypeBuckets + metrics.ICMPCodeBuckets + kernelStatsScalars) * 8
)

// MarshalRule encodes a rule in the filter_map value layout. Addresses are
// stored in network order, ports in host order.
func MarshalRule(r *filter.Rule) [KernelRuleSize]byte {
	var b [KernelRuleSize]byte

	binary.BigEndian.PutUint32(b[0:4], r.SrcIP)
	binary.BigEndian.PutUint32(b[4:8], r.DstIP)
	binary.NativeEndian.PutUint16(b[8:10], r.SrcPort)
	binary.NativeEndian.PutUint16(b[10:12], r.DstPort)
	b[12] = r.Protocol
	b[13] = uint8(r.Action)
	if r.Enabled {
		b[14] = 1
	}
	b[15] = uint8(r.Type)
	b[16] = r.ICMP.Type
	b[17] = r.ICMP.Code
	b[18] = r.TCP.Flags
	b[19] = r.TCP.Mask
	binary.BigEndian.PutUint32(b[20:24], r.ICMP.InnerSrcIP)
	binary.BigEndian.PutUint32(b[24:28], r.ICMP.InnerDstIP)
	b[28] = r.ICMP.InnerProtocol

	return b
}

// UnmarshalRule decodes a filter_map value.
func UnmarshalRule(b []byte) (filter.Rule, error) {
	var r filter.Rule
	if len(b) < KernelRuleSize {
		return r, fmt.Errorf("filter rule: %w", ErrPacketTooShort)
	}

	r.SrcIP = binary.BigEndian.Uint32(b[0:4])
	r.DstIP = binary.BigEndian.Uint32(b[4:8])
	r.SrcPort = binary.NativeEndian.Uint16(b[8:10])
	r.DstPort = binary.NativeEndian.Uint16(b[10:12])
	r.Protocol = b[12]
	r.Action = filter.Action(b[13])
	r.Enabled = b[14] != 0
	r.Type = filter.RuleType(b[15])
	r.ICMP = filter.ICMPMatch{
		Type:          b[16],
		Code:          b[17],
		InnerSrcIP:    binary.BigEndian.Uint32(b[20:24]),
		InnerDstIP:    binary.BigEndian.Uint32(b[24:28]),
		InnerProtocol: b[28],
	}
	r.TCP = filter.TCPMatch{Flags: b[18], Mask: b[19]}

	return r, nil
}

// KernelStats mirrors struct perf_stats.
type KernelStats struct {
	metrics.Stats
	Retransmissions uint64 `json:"tcp_retransmissions"`
	DuplicateAcks   uint64 `json:"tcp_duplicate_acks"`
	OutOfOrder      uint64 `json:"tcp_out_of_order"`
}

// UnmarshalStats decodes a perf_stats_map value.
func UnmarshalStats(b []byte) (*KernelStats, error) {
	if len(b) < KernelStatsSize {
		return nil, fmt.Errorf("perf stats: %w", ErrPacketTooShort)
	}

	next := func() uint64 {
		v := binary.NativeEndian.Uint64(b[:8])
		b = b[8:]
		return v
	}

	s := &KernelStats{}
	for i := range s.ICMPTypeCounts {
		s.ICMPTypeCounts[i] = next()
	}
	for i := range s.ICMPCodeCounts {
		s.ICMPCodeCounts[i] = next()
	}
	s.Retransmissions = next()
	s.DuplicateAcks = next()
	s.OutOfOrder = next()
	s.ZeroWindow = next()
	s.SmallWindow = next()
	s.TotalPackets = next()
	s.TotalBytes = next()
	s.Dropped = next()
	s.Malformed = next()

	return s, nil
}

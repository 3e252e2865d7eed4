package conntrack

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"xdp-conntrack/pkg/filter"
	"xdp-conntrack/xdp"
)

// IcmpKey identifies an ICMP conversation by endpoints, type and code.
type IcmpKey struct {
	SrcIP uint32
	DstIP uint32
	Type  uint8
	Code  uint8
}

func (k IcmpKey) String() string {
	return fmt.Sprintf("%s -> %s type=%d code=%d",
		filter.FormatIPv4(k.SrcIP), filter.FormatIPv4(k.DstIP), k.Type, k.Code)
}

func (k IcmpKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SrcIP string `json:"src_ip"`
		DstIP string `json:"dst_ip"`
		Type  uint8  `json:"type"`
		Code  uint8  `json:"code"`
	}{filter.FormatIPv4(k.SrcIP), filter.FormatIPv4(k.DstIP), k.Type, k.Code})
}

// IcmpUpdate carries the per-packet values folded into an IcmpRecord.
type IcmpUpdate struct {
	IPID   uint16
	Length uint32
	Inner  xdp.InnerPacket
}

// IcmpRecord is the live state of one ICMP conversation. Inner fields are
// only populated for error-class types and are fixed by the packet that
// created the record.
type IcmpRecord struct {
	packets    atomic.Uint64
	bytes      atomic.Uint64
	ipID       atomic.Uint32
	lastSeen   atomic.Int64
	innerSrc   atomic.Uint32
	innerDst   atomic.Uint32
	innerProto atomic.Uint32
	innerSport atomic.Uint32
	innerDport atomic.Uint32
}

func newIcmpRecord(u IcmpUpdate, now int64) *IcmpRecord {
	r := &IcmpRecord{}
	r.packets.Store(1)
	r.bytes.Store(uint64(u.Length))
	r.ipID.Store(uint32(u.IPID))
	r.lastSeen.Store(now)
	r.setInner(u.Inner)
	return r
}

func (r *IcmpRecord) apply(u IcmpUpdate, now int64) {
	r.packets.Add(1)
	r.bytes.Add(uint64(u.Length))
	r.ipID.Store(uint32(u.IPID))
	r.lastSeen.Store(now)
}

func (r *IcmpRecord) setInner(in xdp.InnerPacket) {
	r.innerSrc.Store(in.SrcIP)
	r.innerDst.Store(in.DstIP)
	r.innerProto.Store(uint32(in.Protocol))
	r.innerSport.Store(uint32(in.SrcPort))
	r.innerDport.Store(uint32(in.DstPort))
}

// IcmpEntry is a point-in-time copy of an ICMP conversation.
type IcmpEntry struct {
	Key           IcmpKey   `json:"key"`
	Packets       uint64    `json:"packets"`
	Bytes         uint64    `json:"bytes"`
	IPID          uint16    `json:"ip_id"`
	LastSeen      time.Time `json:"last_seen"`
	Type          uint8     `json:"type"`
	Code          uint8     `json:"code"`
	InnerSrcIP    uint32    `json:"-"`
	InnerDstIP    uint32    `json:"-"`
	InnerProtocol uint8     `json:"inner_protocol"`
	InnerSrcPort  uint16    `json:"inner_src_port"`
	InnerDstPort  uint16    `json:"inner_dst_port"`
}

func (e IcmpEntry) MarshalJSON() ([]byte, error) {
	type plain IcmpEntry
	return json.Marshal(struct {
		plain
		InnerSrc string `json:"inner_src_ip"`
		InnerDst string `json:"inner_dst_ip"`
	}{plain(e), filter.FormatIPv4(e.InnerSrcIP), filter.FormatIPv4(e.InnerDstIP)})
}

func (r *IcmpRecord) snapshot(key IcmpKey) IcmpEntry {
	return IcmpEntry{
		Key:           key,
		Packets:       r.packets.Load(),
		Bytes:         r.bytes.Load(),
		IPID:          uint16(r.ipID.Load()),
		LastSeen:      time.Unix(0, r.lastSeen.Load()),
		Type:          key.Type,
		Code:          key.Code,
		InnerSrcIP:    r.innerSrc.Load(),
		InnerDstIP:    r.innerDst.Load(),
		InnerProtocol: uint8(r.innerProto.Load()),
		InnerSrcPort:  uint16(r.innerSport.Load()),
		InnerDstPort:  uint16(r.innerDport.Load()),
	}
}

// ICMPTracker maps ICMP conversations to counters and inner-packet details.
type ICMPTracker struct {
	table *Table[IcmpKey, *IcmpRecord]
	store store[IcmpKey, *IcmpRecord]
	clock Clock
}

// NewICMPTracker creates a tracker bounded at capacity conversations.
func NewICMPTracker(capacity, shards int, clock Clock) (*ICMPTracker, error) {
	table, err := NewTable[IcmpKey, *IcmpRecord](capacity, shards)
	if err != nil {
		return nil, fmt.Errorf("icmp table: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &ICMPTracker{table: table, store: table, clock: clock}, nil
}

// Record has the same insert/lookup/retry contract as FlowTracker.Record.
func (t *ICMPTracker) Record(key IcmpKey, u IcmpUpdate) Outcome {
	now := t.clock().UnixNano()

	if t.store.InsertIfAbsent(key, newIcmpRecord(u, now)) {
		return OutcomeCreated
	}
	if rec, ok := t.store.Lookup(key); ok {
		rec.apply(u, now)
		return OutcomeUpdated
	}
	if t.store.InsertIfAbsent(key, newIcmpRecord(u, now)) {
		return OutcomeCreated
	}
	return OutcomeLost
}

// Get returns a copy of one conversation without touching recency.
func (t *ICMPTracker) Get(key IcmpKey) (IcmpEntry, bool) {
	rec, ok := t.table.Peek(key)
	if !ok {
		return IcmpEntry{}, false
	}
	return rec.snapshot(key), true
}

// Snapshot copies every conversation currently in the table.
func (t *ICMPTracker) Snapshot() []IcmpEntry {
	out := make([]IcmpEntry, 0, t.table.Len())
	t.table.Range(func(k IcmpKey, r *IcmpRecord) bool {
		out = append(out, r.snapshot(k))
		return true
	})
	return out
}

func (t *ICMPTracker) Len() int { return t.table.Len() }

func (t *ICMPTracker) Cap() int { return t.table.Cap() }

func (t *ICMPTracker) Reset() { t.table.Purge() }

package conntrack

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"xdp-conntrack/pkg/filter"
)

// Outcome reports what Record did with an update.
type Outcome uint8

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	// OutcomeLost means the entry was evicted between a failed insert and the
	// lookup, and the single retry also lost the race. The update is dropped.
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "lost"
	}
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// FlowKey identifies a directional flow. Ports are zero for protocols
// without ports.
type FlowKey struct {
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d (%s)",
		filter.FormatIPv4(k.SrcIP), k.SrcPort,
		filter.FormatIPv4(k.DstIP), k.DstPort,
		protocolLabel(k.Protocol))
}

func (k FlowKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SrcIP    string `json:"src_ip"`
		DstIP    string `json:"dst_ip"`
		SrcPort  uint16 `json:"src_port"`
		DstPort  uint16 `json:"dst_port"`
		Protocol string `json:"protocol"`
	}{
		filter.FormatIPv4(k.SrcIP), filter.FormatIPv4(k.DstIP),
		k.SrcPort, k.DstPort, protocolLabel(k.Protocol),
	})
}

// FlowUpdate carries the per-packet values folded into a FlowRecord.
type FlowUpdate struct {
	IPID   uint16
	Flags  uint8
	Length uint32
	Seq    uint32
	Ack    uint32
	Window uint16
}

// FlowRecord is the live, concurrently mutated state of one flow.
// Counters only grow; the last-seen fields are last-write-wins.
type FlowRecord struct {
	packets  atomic.Uint64
	bytes    atomic.Uint64
	ipID     atomic.Uint32
	start    int64
	lastSeen atomic.Int64
	flags    atomic.Uint32
	seq      atomic.Uint32
	ack      atomic.Uint32
	window   atomic.Uint32
}

func newFlowRecord(u FlowUpdate, now int64) *FlowRecord {
	r := &FlowRecord{start: now}
	r.packets.Store(1)
	r.bytes.Store(uint64(u.Length))
	r.ipID.Store(uint32(u.IPID))
	r.lastSeen.Store(now)
	r.flags.Store(uint32(u.Flags))
	r.seq.Store(u.Seq)
	r.ack.Store(u.Ack)
	r.window.Store(uint32(u.Window))
	return r
}

func (r *FlowRecord) apply(u FlowUpdate, now int64) {
	r.packets.Add(1)
	r.bytes.Add(uint64(u.Length))
	r.flags.Or(uint32(u.Flags))
	r.ipID.Store(uint32(u.IPID))
	r.lastSeen.Store(now)
	r.seq.Store(u.Seq)
	r.ack.Store(u.Ack)
	r.window.Store(uint32(u.Window))
}

// FlowEntry is a point-in-time copy of a flow for readers.
type FlowEntry struct {
	Key      FlowKey   `json:"key"`
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	IPID     uint16    `json:"ip_id"`
	Start    time.Time `json:"start"`
	LastSeen time.Time `json:"last_seen"`
	TCPFlags uint8     `json:"tcp_flags"`
	Seq      uint32    `json:"seq"`
	Ack      uint32    `json:"ack"`
	Window   uint16    `json:"window"`
}

// FlagNames renders the cumulative TCP flags.
func (e FlowEntry) FlagNames() string {
	return filter.FormatTCPFlags(e.TCPFlags)
}

func (r *FlowRecord) snapshot(key FlowKey) FlowEntry {
	return FlowEntry{
		Key:      key,
		Packets:  r.packets.Load(),
		Bytes:    r.bytes.Load(),
		IPID:     uint16(r.ipID.Load()),
		Start:    time.Unix(0, r.start),
		LastSeen: time.Unix(0, r.lastSeen.Load()),
		TCPFlags: uint8(r.flags.Load()),
		Seq:      r.seq.Load(),
		Ack:      r.ack.Load(),
		Window:   uint16(r.window.Load()),
	}
}

// FlowTracker maps flows to aggregated counters.
type FlowTracker struct {
	table *Table[FlowKey, *FlowRecord]
	store store[FlowKey, *FlowRecord]
	clock Clock
}

// NewFlowTracker creates a tracker bounded at capacity flows.
func NewFlowTracker(capacity, shards int, clock Clock) (*FlowTracker, error) {
	table, err := NewTable[FlowKey, *FlowRecord](capacity, shards)
	if err != nil {
		return nil, fmt.Errorf("flow table: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &FlowTracker{table: table, store: table, clock: clock}, nil
}

// Record folds one packet into the flow identified by key: insert if
// absent, otherwise update in place. A lookup miss after a failed insert
// is retried once as an insert; after that the update is dropped.
func (t *FlowTracker) Record(key FlowKey, u FlowUpdate) Outcome {
	now := t.clock().UnixNano()

	if t.store.InsertIfAbsent(key, newFlowRecord(u, now)) {
		return OutcomeCreated
	}
	if rec, ok := t.store.Lookup(key); ok {
		rec.apply(u, now)
		return OutcomeUpdated
	}
	if t.store.InsertIfAbsent(key, newFlowRecord(u, now)) {
		return OutcomeCreated
	}
	return OutcomeLost
}

// Get returns a copy of one flow without touching recency.
func (t *FlowTracker) Get(key FlowKey) (FlowEntry, bool) {
	rec, ok := t.table.Peek(key)
	if !ok {
		return FlowEntry{}, false
	}
	return rec.snapshot(key), true
}

// Snapshot copies every flow currently in the table.
func (t *FlowTracker) Snapshot() []FlowEntry {
	out := make([]FlowEntry, 0, t.table.Len())
	t.table.Range(func(k FlowKey, r *FlowRecord) bool {
		out = append(out, r.snapshot(k))
		return true
	})
	return out
}

// Len returns the number of tracked flows.
func (t *FlowTracker) Len() int { return t.table.Len() }

// Cap returns the flow table capacity.
func (t *FlowTracker) Cap() int { return t.table.Cap() }

// Reset drops every flow.
func (t *FlowTracker) Reset() { t.table.Purge() }

func protocolLabel(p uint8) string {
	switch p {
	case 1:
		return "ICMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	default:
		return fmt.Sprintf("proto-%d", p)
	}
}

// Package metrics 提供进程级统计: 全局包/字节/丢弃/畸形计数,
// ICMP 类型与代码直方图, 以及基于 SYN 包采样的 TCP 窗口异常计数
package metrics

import (
	"sync/atomic"
)

const (
	ICMPTypeBuckets = 16
	ICMPCodeBuckets = 256

	// SmallWindowThreshold 小于该值的 SYN 窗口计为小窗口
	SmallWindowThreshold = 1000

	tcpFlagSYN = 0x02
)

// Collector 指标收集器. 所有字段只做原子递增, 仅 Reset 可清零.
type Collector struct {
	totalPackets atomic.Uint64
	totalBytes   atomic.Uint64
	dropped      atomic.Uint64
	malformed    atomic.Uint64

	icmpTypes [ICMPTypeBuckets]atomic.Uint64
	icmpCodes [ICMPCodeBuckets]atomic.Uint64

	zeroWindow  atomic.Uint64
	smallWindow atomic.Uint64
}

// NewCollector 创建新的指标收集器
func NewCollector() *Collector {
	return &Collector{}
}

// IncTotal 每个 IPv4 包调用一次, bytes 取自 IP 总长度字段
func (c *Collector) IncTotal(bytes uint64) {
	c.totalPackets.Add(1)
	c.totalBytes.Add(bytes)
}

// IncDropped 增加丢弃计数 (仅规则判定 DROP 时)
func (c *Collector) IncDropped() {
	c.dropped.Add(1)
}

// IncMalformed 增加畸形包计数. 保留计数, 数据包路径不调用.
func (c *Collector) IncMalformed() {
	c.malformed.Add(1)
}

// RecordICMP 更新 ICMP 类型/代码直方图. 类型 >= 16 不计入类型直方图.
func (c *Collector) RecordICMP(icmpType, icmpCode uint8) {
	if icmpType < ICMPTypeBuckets {
		c.icmpTypes[icmpType].Add(1)
	}
	c.icmpCodes[icmpCode].Add(1)
}

// RecordTCP 在 SYN 包上采样窗口大小
func (c *Collector) RecordTCP(flags uint8, window uint16) {
	if flags&tcpFlagSYN == 0 {
		return
	}
	if window == 0 {
		c.zeroWindow.Add(1)
	} else if window < SmallWindowThreshold {
		c.smallWindow.Add(1)
	}
}

// Stats 统计快照
type Stats struct {
	TotalPackets   uint64                  `json:"total_packets"`
	TotalBytes     uint64                  `json:"total_bytes"`
	Dropped        uint64                  `json:"dropped_packets"`
	Malformed      uint64                  `json:"malformed_packets"`
	ICMPTypeCounts [ICMPTypeBuckets]uint64 `json:"icmp_type_counts"`
	ICMPCodeCounts [ICMPCodeBuckets]uint64 `json:"icmp_code_counts"`
	ZeroWindow     uint64                  `json:"tcp_zero_window"`
	SmallWindow    uint64                  `json:"tcp_small_window"`
}

// GetStats 获取当前统计. 各字段分别读取, 不保证彼此一致.
func (c *Collector) GetStats() Stats {
	s := Stats{
		TotalPackets: c.totalPackets.Load(),
		TotalBytes:   c.totalBytes.Load(),
		Dropped:      c.dropped.Load(),
		Malformed:    c.malformed.Load(),
		ZeroWindow:   c.zeroWindow.Load(),
		SmallWindow:  c.smallWindow.Load(),
	}
	for i := range c.icmpTypes {
		s.ICMPTypeCounts[i] = c.icmpTypes[i].Load()
	}
	for i := range c.icmpCodes {
		s.ICMPCodeCounts[i] = c.icmpCodes[i].Load()
	}
	return s
}

// Reset 重置所有计数器
func (c *Collector) Reset() {
	c.totalPackets.Store(0)
	c.totalBytes.Store(0)
	c.dropped.Store(0)
	c.malformed.Store(0)
	c.zeroWindow.Store(0)
	c.smallWindow.Store(0)
	for i := range c.icmpTypes {
		c.icmpTypes[i].Store(0)
	}
	for i := range c.icmpCodes {
		c.icmpCodes[i].Store(0)
	}
}

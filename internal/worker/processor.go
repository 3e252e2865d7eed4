// Package worker 提供数据包处理流水线与工作池
// 用于连接跟踪与多协议过滤
package worker

import (
	"xdp-conntrack/pkg/conntrack"
	"xdp-conntrack/pkg/filter"
	"xdp-conntrack/pkg/logging"
	"xdp-conntrack/pkg/metrics"
	"xdp-conntrack/xdp"
)

// Processor 单包处理流水线: 解析 -> 预匹配 -> 协议分支 (解析传输层、协议匹配、跟踪/统计) -> 判定.
// Process 可被任意多个 goroutine 并发调用, 不阻塞且不加全局锁.
type Processor struct {
	rules   *filter.Table
	flows   *conntrack.FlowTracker
	icmp    *conntrack.ICMPTracker
	metrics *metrics.Collector
	log     *logging.Limited
}

// NewProcessor 创建流水线. log 可为 nil.
func NewProcessor(rules *filter.Table, flows *conntrack.FlowTracker, icmp *conntrack.ICMPTracker,
	collector *metrics.Collector, log *logging.Limited) *Processor {
	return &Processor{
		rules:   rules,
		flows:   flows,
		icmp:    icmp,
		metrics: collector,
		log:     log,
	}
}

// Process 处理一个以太网帧并返回判定. 解析失败一律放行.
func (p *Processor) Process(frame []byte, ifindex int) filter.Verdict {
	eth, err := xdp.ParseEthernetHeader(frame)
	if err != nil {
		p.malformed(ifindex, err)
		return filter.VerdictPass
	}
	if eth.EthType != xdp.EthTypeIPv4 {
		return filter.VerdictPass
	}

	l3 := frame[xdp.EthernetHeaderLen:]
	ip, err := xdp.ParseIPv4Header(l3)
	if err != nil {
		p.malformed(ifindex, err)
		return filter.VerdictPass
	}

	p.metrics.IncTotal(uint64(ip.TotalLength))

	pkt := filter.Packet{
		SrcIP:    ip.SrcIP,
		DstIP:    ip.DstIP,
		Protocol: ip.Protocol,
	}
	if v, idx := p.rules.Evaluate(&pkt, filter.PhasePre); v == filter.VerdictDrop {
		return p.drop(ifindex, &pkt, idx)
	}

	l4 := l3[ip.HeaderLen():]
	switch ip.Protocol {
	case xdp.ProtoTCP:
		return p.processTCP(ifindex, ip, l4, &pkt)
	case xdp.ProtoUDP:
		return p.processUDP(ifindex, ip, l4, &pkt)
	case xdp.ProtoICMP:
		return p.processICMP(ifindex, ip, l4, &pkt)
	}
	return filter.VerdictPass
}

func (p *Processor) processTCP(ifindex int, ip xdp.IPv4Header, l4 []byte, pkt *filter.Packet) filter.Verdict {
	tcp, err := xdp.ParseTCPHeader(l4)
	if err != nil {
		p.malformed(ifindex, err)
		return filter.VerdictPass
	}

	pkt.SrcPort, pkt.DstPort = tcp.SrcPort, tcp.DstPort
	pkt.TCPFlags = tcp.Flags
	if v, idx := p.rules.Evaluate(pkt, filter.PhaseFull); v == filter.VerdictDrop {
		return p.drop(ifindex, pkt, idx)
	}

	key := conntrack.FlowKey{
		SrcIP:    ip.SrcIP,
		DstIP:    ip.DstIP,
		SrcPort:  tcp.SrcPort,
		DstPort:  tcp.DstPort,
		Protocol: xdp.ProtoTCP,
	}
	p.track(key, conntrack.FlowUpdate{
		IPID:   ip.ID,
		Flags:  tcp.Flags,
		Length: ip.PayloadLen(),
		Seq:    tcp.Seq,
		Ack:    tcp.Ack,
		Window: tcp.Window,
	})
	p.metrics.RecordTCP(tcp.Flags, tcp.Window)

	return filter.VerdictPass
}

func (p *Processor) processUDP(ifindex int, ip xdp.IPv4Header, l4 []byte, pkt *filter.Packet) filter.Verdict {
	udp, err := xdp.ParseUDPHeader(l4)
	if err != nil {
		p.malformed(ifindex, err)
		return filter.VerdictPass
	}

	pkt.SrcPort, pkt.DstPort = udp.SrcPort, udp.DstPort
	if v, idx := p.rules.Evaluate(pkt, filter.PhaseFull); v == filter.VerdictDrop {
		return p.drop(ifindex, pkt, idx)
	}

	key := conntrack.FlowKey{
		SrcIP:    ip.SrcIP,
		DstIP:    ip.DstIP,
		SrcPort:  udp.SrcPort,
		DstPort:  udp.DstPort,
		Protocol: xdp.ProtoUDP,
	}
	p.track(key, conntrack.FlowUpdate{
		IPID:   ip.ID,
		Length: ip.PayloadLen(),
	})

	return filter.VerdictPass
}

// processICMP 跟踪与统计发生在协议匹配之前, 被丢弃的 ICMP 包同样计入
func (p *Processor) processICMP(ifindex int, ip xdp.IPv4Header, l4 []byte, pkt *filter.Packet) filter.Verdict {
	icmp, err := xdp.ParseICMPHeader(l4)
	if err != nil {
		p.malformed(ifindex, err)
		return filter.VerdictPass
	}

	var inner xdp.InnerPacket
	if xdp.IsICMPError(icmp.Type) {
		inner = xdp.ParseICMPInner(l4[xdp.ICMPHeaderLen:])
	}

	length := ip.PayloadLen()
	if length >= xdp.ICMPHeaderLen {
		length -= xdp.ICMPHeaderLen
	} else {
		length = 0
	}

	key := conntrack.IcmpKey{
		SrcIP: ip.SrcIP,
		DstIP: ip.DstIP,
		Type:  icmp.Type,
		Code:  icmp.Code,
	}
	outcome := p.icmp.Record(key, conntrack.IcmpUpdate{
		IPID:   ip.ID,
		Length: length,
		Inner:  inner,
	})
	if outcome == conntrack.OutcomeLost {
		if e := p.log.Debug(); e != nil {
			e.Stringer("icmp", key).Msg("icmp update lost")
		}
	}
	p.metrics.RecordICMP(icmp.Type, icmp.Code)

	pkt.ICMPType, pkt.ICMPCode = icmp.Type, icmp.Code
	pkt.InnerSrcIP, pkt.InnerDstIP, pkt.InnerProtocol = inner.SrcIP, inner.DstIP, inner.Protocol
	if v, idx := p.rules.Evaluate(pkt, filter.PhaseFull); v == filter.VerdictDrop {
		return p.drop(ifindex, pkt, idx)
	}

	return filter.VerdictPass
}

func (p *Processor) track(key conntrack.FlowKey, u conntrack.FlowUpdate) {
	outcome := p.flows.Record(key, u)
	if outcome == conntrack.OutcomeUpdated {
		return
	}
	if e := p.log.Debug(); e != nil {
		e.Stringer("flow", key).Str("outcome", outcome.String()).Msg("flow table")
	}
}

func (p *Processor) drop(ifindex int, pkt *filter.Packet, rule int) filter.Verdict {
	p.metrics.IncDropped()
	e := p.log.Debug()
	if e == nil {
		return filter.VerdictDrop
	}
	e.Int("ifindex", ifindex).
		Int("rule", rule).
		Str("src", filter.FormatIPv4(pkt.SrcIP)).
		Str("dst", filter.FormatIPv4(pkt.DstIP)).
		Uint8("proto", pkt.Protocol).
		Msg("packet dropped")
	return filter.VerdictDrop
}

// malformed 只记录日志, 不修改任何计数
func (p *Processor) malformed(ifindex int, err error) {
	if e := p.log.Debug(); e != nil {
		e.Int("ifindex", ifindex).Err(err).Msg("malformed packet")
	}
}

package xdp

import (
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"xdp-conntrack/pkg/filter"
)

// XDP attach modes.
const (
	DefaultXdpFlags = 0
	SkbXdpFlags     = unix.XDP_FLAGS_SKB_MODE
	DrvXdpFlags     = unix.XDP_FLAGS_DRV_MODE
)

const programName = "conn_tracker"

// XdpFlagsForMode maps a config mode name to attach flags.
func XdpFlagsForMode(mode string) (int, error) {
	switch mode {
	case "", "auto":
		return DefaultXdpFlags, nil
	case "skb", "generic":
		return SkbXdpFlags, nil
	case "native", "drv":
		return DrvXdpFlags, nil
	}
	return 0, fmt.Errorf("unknown xdp mode %q", mode)
}

// Program 内核侧连接跟踪程序及其 maps.
// 用户态规则表通过 SyncRule 镜像到 filter_map.
type Program struct {
	Program   *ebpf.Program
	Filters   *ebpf.Map // filter_map - 规则数组
	Flows     *ebpf.Map // conn_map - 流表 (LRU)
	ICMP      *ebpf.Map // icmp_map - ICMP 表 (LRU)
	PerfStats *ebpf.Map // perf_stats_map - 全局统计

	flags int
}

// Attach 将 XDP 程序附加到网络接口
func (p *Program) Attach(ifindex int) error {
	if err := removeProgram(ifindex); err != nil {
		return err
	}
	return attachProgram(ifindex, p.Program, p.flags)
}

// Detach 从网络接口分离 XDP 程序
func (p *Program) Detach(ifindex int) error {
	return removeProgram(ifindex)
}

// SyncRule implements filter.Sink. A nil rule writes a zeroed, disabled
// entry since array map slots cannot be deleted.
func (p *Program) SyncRule(idx int, rule *filter.Rule) error {
	if p.Filters == nil {
		return fmt.Errorf("filter_map not initialized")
	}
	var value [KernelRuleSize]byte
	if rule != nil {
		value = MarshalRule(rule)
	}
	key := uint32(idx)
	if err := p.Filters.Update(key, value[:], ebpf.UpdateAny); err != nil {
		return fmt.Errorf("failed to update filter_map[%d]: %v", idx, err)
	}
	return nil
}

// ReadStats 读取内核侧全局统计
func (p *Program) ReadStats() (*KernelStats, error) {
	if p.PerfStats == nil {
		return nil, fmt.Errorf("perf_stats_map not initialized")
	}

	buf := make([]byte, KernelStatsSize)
	var key uint32 = 0
	if err := p.PerfStats.Lookup(key, buf); err != nil {
		return nil, fmt.Errorf("failed to read perf_stats_map: %v", err)
	}
	return UnmarshalStats(buf)
}

// Close 关闭并释放程序资源
func (p *Program) Close() error {
	var firstErr error

	closeMap := func(m **ebpf.Map, name string) {
		if *m == nil {
			return
		}
		if err := (*m).Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %v", name, err)
		}
		*m = nil
	}
	closeMap(&p.Filters, "filter_map")
	closeMap(&p.Flows, "conn_map")
	closeMap(&p.ICMP, "icmp_map")
	closeMap(&p.PerfStats, "perf_stats_map")

	if p.Program != nil {
		if err := p.Program.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close XDP program: %v", err)
		}
		p.Program = nil
	}

	return firstErr
}

// LoadProgram 从 BPF 目标文件加载连接跟踪程序
//
// 参数:
//   - bpfPath: BPF 程序文件路径 (如 "bpf/conn_tracker_bpfel.o")
//   - flags: 附加模式, 见 XdpFlagsForMode
//
// 使用示例:
//
//	program, err := xdp.LoadProgram("bpf/conn_tracker_bpfel.o", xdp.DefaultXdpFlags)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer program.Close()
//
//	manager.AddSink(program)
//	program.Attach(ifindex)
func LoadProgram(bpfPath string, flags int) (*Program, error) {
	col, err := ebpf.LoadCollection(bpfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection from %s: %v", bpfPath, err)
	}
	// 保留的对象已从 col 中移除, 其余程序与 maps 随 col 关闭
	defer col.Close()

	prog, err := takeObjects(col, flags)
	if err != nil {
		return nil, fmt.Errorf("%v in %s", err, bpfPath)
	}
	return prog, nil
}

// takeObjects 从集合中取出所需的程序与 maps, 并将其从集合中删除
func takeObjects(col *ebpf.Collection, flags int) (*Program, error) {
	prog := &Program{flags: flags}

	var ok bool
	if prog.Program, ok = col.Programs[programName]; !ok {
		return nil, fmt.Errorf("BPF program '%s' not found", programName)
	}
	if prog.Filters, ok = col.Maps["filter_map"]; !ok {
		return nil, fmt.Errorf("map 'filter_map' not found")
	}
	if prog.PerfStats, ok = col.Maps["perf_stats_map"]; !ok {
		return nil, fmt.Errorf("map 'perf_stats_map' not found")
	}

	// 流表对用户态只读, 可选
	prog.Flows = col.Maps["conn_map"]
	prog.ICMP = col.Maps["icmp_map"]

	delete(col.Programs, programName)
	for _, name := range []string{"filter_map", "perf_stats_map", "conn_map", "icmp_map"} {
		delete(col.Maps, name)
	}
	return prog, nil
}

// removeProgram removes an existing XDP program from the given network interface.
func removeProgram(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	if !isXdpAttached(link) {
		return nil
	}
	if err = netlink.LinkSetXdpFd(link, -1); err != nil {
		return fmt.Errorf("netlink.LinkSetXdpFd(link, -1) failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		link, err = netlink.LinkByIndex(ifindex)
		if err != nil {
			return err
		}
		if !isXdpAttached(link) {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("xdp program still attached to ifindex %d", ifindex)
}

func isXdpAttached(link netlink.Link) bool {
	return link.Attrs() != nil && link.Attrs().Xdp != nil && link.Attrs().Xdp.Attached
}

// attachProgram attaches the given XDP program to the network interface.
func attachProgram(ifindex int, program *ebpf.Program, flags int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.LinkSetXdpFdWithFlags(link, program.FD(), flags)
}

package worker

import (
	"time"

	"github.com/rs/zerolog"
)

// Frame 表示接收到的一个以太网帧
type Frame struct {
	Data      []byte    // 帧内容
	Ifindex   int       // 入接口
	Timestamp time.Time // 抓包时间
}

// FrameSource 帧来源 (实时抓包或 pcap 回放). 返回 io.EOF 表示结束.
type FrameSource interface {
	ReadFrame() (Frame, error)
}

// FrameRecorder 保存被丢弃的帧以便离线分析
type FrameRecorder interface {
	Record(Frame) error
}

// PoolOptions Worker池配置选项
type PoolOptions struct {
	NumWorkers int            // Worker数量
	QueueSize  int            // 每个 Worker 的队列长度
	Blocking   bool           // 队列满时阻塞而不是丢弃 (回放模式)
	Source     FrameSource    // 帧来源
	Processor  *Processor     // 处理流水线
	Recorder   FrameRecorder  // 可选, 记录 DROP 帧
	Logger     zerolog.Logger // 日志
}

// PoolStats Worker池统计
type PoolStats struct {
	Received   uint64 `json:"received"`    // 读取的帧
	Processed  uint64 `json:"processed"`   // 处理完成
	Passed     uint64 `json:"passed"`      // 判定 PASS
	Dropped    uint64 `json:"dropped"`     // 判定 DROP
	QueueDrops uint64 `json:"queue_drops"` // 队列满被丢弃
	ReadErrors uint64 `json:"read_errors"` // 读取错误
}

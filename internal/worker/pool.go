package worker

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"xdp-conntrack/pkg/filter"
)

// Pool Worker 处理池
type Pool struct {
	options PoolOptions
	frames  chan Frame
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	logger  zerolog.Logger

	received   atomic.Uint64
	processed  atomic.Uint64
	passed     atomic.Uint64
	dropped    atomic.Uint64
	queueDrops atomic.Uint64
	readErrors atomic.Uint64
}

// NewPool 创建新的 Worker 池
func NewPool(opts PoolOptions) *Pool {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	return &Pool{
		options: opts,
		frames:  make(chan Frame, opts.NumWorkers*opts.QueueSize),
		logger:  opts.Logger.With().Str("component", "worker").Logger(),
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	// 启动 workers
	for i := 0; i < p.options.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	// 启动 receiver
	p.wg.Add(1)
	go p.receiver(ctx)

	p.logger.Info().Int("workers", p.options.NumWorkers).Bool("blocking", p.options.Blocking).Msg("worker pool started")
}

// receiver 读取帧并分发到 workers; 来源结束后关闭队列
func (p *Pool) receiver(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.frames)

	source := p.options.Source
	if source == nil {
		p.logger.Error().Msg("worker pool: source is nil")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := source.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Info().Msg("frame source exhausted")
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.readErrors.Add(1)
			p.logger.Warn().Err(err).Msg("read frame")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.received.Add(1)

		if p.options.Blocking {
			select {
			case p.frames <- frame:
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case p.frames <- frame:
		default:
			// 队列满，丢弃帧
			p.queueDrops.Add(1)
		}
	}
}

// worker 处理帧直到队列关闭或 ctx 取消
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	proc := p.options.Processor
	p.logger.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.frames:
			if !ok {
				return
			}
			p.processFrame(proc, frame)
		}
	}
}

// processFrame 处理单个帧
func (p *Pool) processFrame(proc *Processor, frame Frame) {
	if proc == nil {
		return
	}
	if proc.Process(frame.Data, frame.Ifindex) == filter.VerdictDrop {
		p.dropped.Add(1)
		if rec := p.options.Recorder; rec != nil {
			if err := rec.Record(frame); err != nil {
				p.logger.Warn().Err(err).Msg("record frame")
			}
		}
	} else {
		p.passed.Add(1)
	}
	p.processed.Add(1)
}

// Stats 返回池统计
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Received:   p.received.Load(),
		Processed:  p.processed.Load(),
		Passed:     p.passed.Load(),
		Dropped:    p.dropped.Load(),
		QueueDrops: p.queueDrops.Load(),
		ReadErrors: p.readErrors.Load(),
	}
}

// Wait 等待所有 worker 完成
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop 停止 Worker 池
func (p *Pool) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

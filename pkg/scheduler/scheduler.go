package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Scheduler 固定间隔任务，时钟可替换便于测试
type Scheduler struct {
	clock  clock.Clock
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{clock: clk, ctx: ctx, cancel: cancel}
}

// Stop 取消所有任务并等待正在执行的任务返回
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) Every(d time.Duration, job Job) {
	s.wg.Add(1)
	go s.loopEvery(d, job)
}

func (s *Scheduler) OnceAfter(d time.Duration, job Job) {
	s.wg.Add(1)
	go s.onceAfter(d, job)
}

func (s *Scheduler) loopEvery(d time.Duration, job Job) {
	defer s.wg.Done()
	t := s.clock.Ticker(d)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			job.Run(s.ctx)
		}
	}
}

func (s *Scheduler) onceAfter(d time.Duration, job Job) {
	defer s.wg.Done()
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
		job.Run(s.ctx)
	}
}

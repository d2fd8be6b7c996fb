package scheduler

import (
	"context"
	"time"

	"HibiscusCrisis/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Cron struct {
	c   *cron.Cron
	loc *time.Location
}

// zapCronLogger 把 cron 的内部日志接到 zap
type zapCronLogger struct{}

func (zapCronLogger) Info(msg string, kv ...interface{}) {
	logger.L().Sugar().Debugw(msg, kv...)
}

func (zapCronLogger) Error(err error, msg string, kv ...interface{}) {
	logger.L().Sugar().Errorw(msg, append(kv, "error", err)...)
}

// NewCron 任务 panic 会被恢复，上一次未结束时跳过本次
func NewCron(loc *time.Location) *Cron {
	if loc == nil {
		loc = time.Local
	}
	lg := zapCronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(lg),
		cron.WithChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)),
	)
	return &Cron{c: c, loc: loc}
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { ctx := cr.c.Stop(); <-ctx.Done() }

// Add 注册任务，每次执行带超时
func (cr *Cron) Add(name, expr string, timeout time.Duration, job Job) (cron.EntryID, error) {
	return cr.c.AddFunc(expr, func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		job.Run(ctx)
		logger.Debug("cron job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	})
}

func (cr *Cron) Entries() []cron.Entry { return cr.c.Entries() }

// Package escalation 管理按严重程度计时的单次升级定时器。
package escalation

import (
	"sync"
	"time"

	"HibiscusCrisis/internal/models"

	"github.com/benbjohnson/clock"
)

// DefaultWindows 各严重程度的升级窗口
func DefaultWindows() map[string]time.Duration {
	return map[string]time.Duration{
		models.RiskCritical: 60 * time.Second,
		models.RiskHigh:     180 * time.Second,
		models.RiskMedium:   300 * time.Second,
		models.RiskLow:      600 * time.Second,
	}
}

// FireFunc 定时器触发时调用，调用期间持有该次布防的锁
type FireFunc func(alertID string)

type entry struct {
	mu    sync.Mutex
	arm   uint64
	timer *clock.Timer
	done  bool
}

// Scheduler 每个警报至多一个有效布防；重新布防会取代旧的
type Scheduler struct {
	clock   clock.Clock
	windows map[string]time.Duration
	onFire  FireFunc

	mu      sync.Mutex
	seq     uint64
	entries map[string]*entry
}

// Handle 一次布防的句柄，只能取消自己这一次
type Handle struct {
	s       *Scheduler
	alertID string
	arm     uint64
	Window  time.Duration
}

func New(clk clock.Clock, windows map[string]time.Duration, onFire FireFunc) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	w := DefaultWindows()
	for k, v := range windows {
		if v > 0 {
			w[k] = v
		}
	}
	return &Scheduler{clock: clk, windows: w, onFire: onFire, entries: make(map[string]*entry)}
}

// Window 返回严重程度对应的窗口，未知等级按 low 处理
func (s *Scheduler) Window(severity string) time.Duration {
	if d, ok := s.windows[severity]; ok {
		return d
	}
	return s.windows[models.RiskLow]
}

// Arm 布防。已有布防时先撤销旧的。
func (s *Scheduler) Arm(alertID, severity string) Handle {
	window := s.Window(severity)

	s.mu.Lock()
	s.seq++
	e := &entry{arm: s.seq}
	old := s.entries[alertID]
	s.entries[alertID] = e
	s.mu.Unlock()

	if old != nil {
		old.cancel()
	}

	e.mu.Lock()
	e.timer = s.clock.AfterFunc(window, func() { s.fire(alertID, e) })
	e.mu.Unlock()

	return Handle{s: s, alertID: alertID, arm: e.arm, Window: window}
}

func (s *Scheduler) fire(alertID string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	if s.onFire != nil {
		s.onFire(alertID)
	}
	s.remove(alertID, e)
}

// cancel 返回是否真正撤销了一个尚未触发的布防
func (e *entry) cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.done = true
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

func (s *Scheduler) remove(alertID string, e *entry) {
	s.mu.Lock()
	if s.entries[alertID] == e {
		delete(s.entries, alertID)
	}
	s.mu.Unlock()
}

// Disarm 撤销布防。未布防或已触发时为空操作。返回后不会再有触发副作用。
func (s *Scheduler) Disarm(alertID string) bool {
	s.mu.Lock()
	e := s.entries[alertID]
	s.mu.Unlock()
	if e == nil {
		return false
	}
	ok := e.cancel()
	s.remove(alertID, e)
	return ok
}

// Armed 是否有待触发的布防
func (s *Scheduler) Armed(alertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[alertID]
	return ok
}

// Len 待触发的布防数量
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cancel 只撤销本句柄对应的布防，较新的重新布防不受影响
func (h Handle) Cancel() bool {
	if h.s == nil {
		return false
	}
	h.s.mu.Lock()
	e := h.s.entries[h.alertID]
	h.s.mu.Unlock()
	if e == nil || e.arm != h.arm {
		return false
	}
	ok := e.cancel()
	h.s.remove(h.alertID, e)
	return ok
}

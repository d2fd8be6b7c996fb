// Package registry 维护响应者目录：在线状态、专长与负载。
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"

	"github.com/benbjohnson/clock"
)

type entry struct {
	mu      sync.RWMutex
	profile models.ResponderProfile
	// 负载单独用原子量维护，profile.CurrentLoad 只在快照时回填
	load atomic.Int64
}

// Filter 资格过滤条件
type Filter struct {
	// NearCapacity 放宽为允许负载已满的响应者（仅用于升级后的扩大通知范围）
	NearCapacity bool
	// Exclude 需要排除的响应者
	Exclude map[string]struct{}
}

// Stats 目录汇总
type Stats struct {
	Total     int `json:"total"`
	Online    int `json:"online"`
	Available int `json:"available"`
	Load      int `json:"load"`
	Capacity  int `json:"capacity"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   clock.Clock
}

func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{entries: make(map[string]*entry), clock: clk}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("responder", id)
	}
	return e, nil
}

// Upsert 新增或更新响应者资料。已存在时保留当前负载。
func (r *Registry) Upsert(p models.ResponderProfile) models.ResponderProfile {
	p = p.Clone()
	now := r.clock.Now()
	if p.LastActiveAt.IsZero() {
		p.LastActiveAt = now
	}
	p.UpdatedAt = now

	r.mu.Lock()
	e, ok := r.entries[p.ID]
	if !ok {
		e = &entry{}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		e.load.Store(int64(max(p.CurrentLoad, 0)))
		r.entries[p.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		p.CreatedAt = e.profile.CreatedAt
	}
	e.profile = p
	return e.snapshot()
}

// SetAvailability 更新在线状态
func (r *Registry) SetAvailability(id string, online bool) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profile.Online = online
	now := r.clock.Now()
	e.profile.LastActiveAt = now
	e.profile.UpdatedAt = now
	return nil
}

// Touch 记录一次活动
func (r *Registry) Touch(id string) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.profile.LastActiveAt = r.clock.Now()
	e.mu.Unlock()
}

// Deactivate 停用响应者，记录保留
func (r *Registry) Deactivate(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profile.Active = false
	e.profile.Online = false
	e.profile.UpdatedAt = r.clock.Now()
	return nil
}

// IncrementLoad 原子地增加负载，达到容量上限时拒绝
func (r *Registry) IncrementLoad(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.RLock()
	capacity := int64(e.profile.MaxCapacity)
	active := e.profile.Active
	e.mu.RUnlock()
	if !active {
		return errors.ResponderUnavailable(id, "deactivated")
	}
	for {
		cur := e.load.Load()
		if cur >= capacity {
			return errors.ResponderUnavailable(id, "at capacity")
		}
		if e.load.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// DecrementLoad 原子地减少负载，最低为 0
func (r *Registry) DecrementLoad(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	for {
		cur := e.load.Load()
		if cur <= 0 {
			return nil
		}
		if e.load.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// Get 返回快照
func (r *Registry) Get(id string) (models.ResponderProfile, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.ResponderProfile{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot(), nil
}

// snapshot 调用方需持有 e.mu
func (e *entry) snapshot() models.ResponderProfile {
	p := e.profile.Clone()
	p.CurrentLoad = int(e.load.Load())
	return p
}

func (e *entry) eligible(f Filter) (models.ResponderProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.profile.Online || !e.profile.Active {
		return models.ResponderProfile{}, false
	}
	if _, skip := f.Exclude[e.profile.ID]; skip {
		return models.ResponderProfile{}, false
	}
	p := e.snapshot()
	if p.CurrentLoad < p.MaxCapacity || (f.NearCapacity && p.CurrentLoad == p.MaxCapacity && p.MaxCapacity > 0) {
		return p, true
	}
	return models.ResponderProfile{}, false
}

// ListEligible 返回符合条件的响应者快照，按 ID 升序
func (r *Registry) ListEligible(f Filter) []models.ResponderProfile {
	out := make([]models.ResponderProfile, 0)
	for _, e := range r.all() {
		if p, ok := e.eligible(f); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List 返回全部响应者快照
func (r *Registry) List() []models.ResponderProfile {
	all := r.all()
	out := make([]models.ResponderProfile, 0, len(all))
	for _, e := range all {
		e.mu.RLock()
		out = append(out, e.snapshot())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ExpireIdle 将最近活动早于 cutoff 的在线响应者置为离线，返回受影响的 ID
func (r *Registry) ExpireIdle(cutoff time.Time) []string {
	var ids []string
	for _, e := range r.all() {
		e.mu.Lock()
		if e.profile.Online && e.profile.LastActiveAt.Before(cutoff) {
			e.profile.Online = false
			ids = append(ids, e.profile.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Stats() Stats {
	var s Stats
	for _, e := range r.all() {
		e.mu.RLock()
		if e.profile.Active {
			s.Total++
			load := int(e.load.Load())
			s.Load += load
			s.Capacity += e.profile.MaxCapacity
			if e.profile.Online {
				s.Online++
				if load < e.profile.MaxCapacity {
					s.Available++
				}
			}
		}
		e.mu.RUnlock()
	}
	return s
}

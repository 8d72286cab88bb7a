package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/academico/internal/model"
)

// sweepInterval はメモリ上の期限切れエントリを掃除する最小間隔。
const sweepInterval = time.Minute

// memoryTTL はウィンドウ開始またはブロック解除からエントリを保持する時間。
// すべてのルールのウィンドウより長くする。
const memoryTTL = time.Hour

// MemoryStore はプロセス内のレート制限ストア。永続化せず、再起動でリセットされる。
// 期限切れエントリはApply呼び出し時に一定間隔で掃除する。
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*model.RateLimitEntry
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]*model.RateLimitEntry),
		now:     now,
	}
}

// Apply はキーのエントリにfnを適用する。
func (s *MemoryStore) Apply(_ context.Context, key string, fn func(current *model.RateLimitEntry) *model.RateLimitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	var cur *model.RateLimitEntry
	if e, ok := s.entries[key]; ok {
		copied := *e
		cur = &copied
	}
	next := fn(cur)
	if next == nil {
		delete(s.entries, key)
		return nil
	}
	s.entries[key] = next
	return nil
}

// Delete はキーのエントリを削除する。
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len は保持しているエントリ数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweepLocked() {
	now := s.now()
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, e := range s.entries {
		if isStale(e, now) {
			delete(s.entries, key)
		}
	}
}

func isStale(e *model.RateLimitEntry, now time.Time) bool {
	if e.Blocked {
		return now.Sub(e.BlockedUntil) > memoryTTL
	}
	return now.Sub(e.WindowStart) > memoryTTL
}

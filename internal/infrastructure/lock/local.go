package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalFactory 进程内锁工厂
// 单实例部署或测试场景下代替 Redis，按 key 维护互斥量
type LocalFactory struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalFactory() *LocalFactory {
	return &LocalFactory{locks: make(map[string]*sync.Mutex)}
}

func (f *LocalFactory) get(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	f.locks[key] = m
	return m
}

func (f *LocalFactory) ChargeLock(authorizationID int64) Locker {
	return &localLock{mu: f.get(fmt.Sprintf("charge:auth:%d", authorizationID))}
}

func (f *LocalFactory) RefundLock(chargeID int64) Locker {
	return &localLock{mu: f.get(fmt.Sprintf("refund:charge:%d", chargeID))}
}

func (f *LocalFactory) ReconcileLock(entityKind string, entityID int64) Locker {
	return &localLock{mu: f.get(fmt.Sprintf("reconcile:%s:%d", entityKind, entityID))}
}

type localLock struct {
	mu *sync.Mutex
}

func (l *localLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	l.mu.Lock()
	return nil
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.mu.Unlock()
	return nil
}

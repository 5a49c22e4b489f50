package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 【为什么需要按实体加锁？】
//
// 场景：同一授权上两个并发扣款请求同时到达
//
// 如果没有锁：
//   goroutine1: 查剩余额度=100 -> 扣款60 -> 已用60
//   goroutine2: 查剩余额度=100 -> 扣款60 -> 已用120 超出授权上限！
//
// 按授权加锁后，第二笔扣款要等第一笔提交完成，额度检查看到的是
// 最新已用金额，超限的那笔会被拒绝。数据库侧还有锁行读取兜底，
// 两层防线共同保证总额不变式
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

// Locker 互斥锁接口，服务层依赖接口便于测试替换
type Locker interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// Factory 按实体维度构造锁
type Factory interface {
	// ChargeLock 扣款锁（按授权维度）：同一授权串行扣款，不同授权互不影响
	ChargeLock(authorizationID int64) Locker
	// RefundLock 退款锁（按扣款记录维度）
	RefundLock(chargeID int64) Locker
	// ReconcileLock 对账锁（按实体维度）：回调与同步应答竞争同一实体时串行化
	ReconcileLock(entityKind string, entityID int64) Locker
}

// DistributedLock Redis 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string        // 锁持有者标识
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本先验证 value 再删除，避免误删其他请求持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// RedisFactory 生产环境的锁工厂
type RedisFactory struct {
	client     *redis.Client
	expiration time.Duration
}

func NewRedisFactory(client *redis.Client) *RedisFactory {
	return &RedisFactory{client: client, expiration: 30 * time.Second}
}

func (f *RedisFactory) ChargeLock(authorizationID int64) Locker {
	key := fmt.Sprintf("mbway:lock:charge:auth:%d", authorizationID)
	// value 用随机 UUID 标识持有者
	return NewDistributedLock(f.client, key, uuid.NewString(), f.expiration)
}

func (f *RedisFactory) RefundLock(chargeID int64) Locker {
	key := fmt.Sprintf("mbway:lock:refund:charge:%d", chargeID)
	return NewDistributedLock(f.client, key, uuid.NewString(), f.expiration)
}

func (f *RedisFactory) ReconcileLock(entityKind string, entityID int64) Locker {
	key := fmt.Sprintf("mbway:lock:reconcile:%s:%d", entityKind, entityID)
	return NewDistributedLock(f.client, key, uuid.NewString(), f.expiration)
}

package idgen

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 商户交易号要求：
//   1. 全局唯一 - SIBS 按 merchantTransactionId 做幂等去重
//   2. 趋势递增 - 便于数据库索引
//   3. 高性能 - 扣款高并发场景下生成不能成为瓶颈
//
// 【结构】64位：0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init 初始化默认ID生成器
func Init(workerID int64) {
	once.Do(func() {
		if workerID < 0 || workerID > maxWorkerID {
			log.Fatalf("workerID 必须在 0-%d 之间", maxWorkerID)
		}
		defaultGenerator = &Snowflake{
			workerID: workerID,
		}
	})
}

// NextID 生成下一个ID
func NextID() int64 {
	if defaultGenerator == nil {
		Init(1)
	}
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		// 同一毫秒内，序列号递增
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	id := ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence

	return id
}

// GenerateChargeReference 生成扣款的商户交易号
// 格式：CHARGE_授权ID_年月日时分秒_雪花ID后6位
// SIBS 侧按该引用做重放检测，同一授权下每次扣款尝试必须唯一
func GenerateChargeReference(authorizationID int64) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("CHARGE_%d_%s%06d", authorizationID, timestamp, id%1000000)
}

// GenerateAuthReference 生成授权申请的默认商户交易号（调用方未指定时使用）
func GenerateAuthReference(localID int64) string {
	return fmt.Sprintf("AUTH_%d", localID)
}

// GenerateTempTransactionID 流水先落库时的占位交易号，收到网关应答后回填
func GenerateTempTransactionID() string {
	return fmt.Sprintf("temp_%d", NextID())
}

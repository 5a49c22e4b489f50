package job

import (
	"context"
	"errors"
	"log"
	"time"

	"mbwayap/internal/config"
	"mbwayap/internal/model"
	"mbwayap/internal/repository"
	"mbwayap/internal/service"

	"gorm.io/gorm"
)

// ExpirySweeper 过期扫描任务：把有效期已过的 ACTIVE 授权批量置为 EXPIRED
//
// CAS 过渡保证扫描与回调/主动撤销并发时只有一个写者生效，重复扫描是空操作
type ExpirySweeper struct {
	authSvc   *service.AuthorizationService
	authRepo  *repository.AuthorizationRepository
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewExpirySweeper(db *gorm.DB, authSvc *service.AuthorizationService, cfg config.BusinessConfig) *ExpirySweeper {
	interval := time.Duration(cfg.ExpirySweepSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	batchSize := cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpirySweeper{
		authSvc:   authSvc,
		authRepo:  repository.NewAuthorizationRepository(db),
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
	}
}

func (j *ExpirySweeper) Start(ctx context.Context) {
	log.Println("[ExpirySweeper] 授权过期扫描任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ExpirySweeper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ExpirySweeper] 任务停止")
			return
		case <-ticker.C:
			j.SweepExpired(ctx)
		}
	}
}

func (j *ExpirySweeper) Stop() {
	close(j.stopCh)
}

// SweepExpired 执行一轮扫描，返回本轮置为过期的授权数量
func (j *ExpirySweeper) SweepExpired(ctx context.Context) int {
	now := time.Now()
	auths, err := j.authRepo.ListActiveExpiredBefore(ctx, now, j.batchSize)
	if err != nil {
		log.Printf("[ExpirySweeper] 查询过期授权失败: %v", err)
		return 0
	}

	if len(auths) == 0 {
		return 0
	}

	log.Printf("[ExpirySweeper] 发现 %d 个已过有效期的授权", len(auths))

	expiredCount := 0
	for _, auth := range auths {
		expired, err := j.authSvc.Expire(ctx, auth, now)
		if err != nil {
			log.Printf("[ExpirySweeper] 置过期失败: id=%d, err=%v", auth.ID, err)
			continue
		}
		if expired {
			expiredCount++
		}
	}

	log.Printf("[ExpirySweeper] 本轮置过期 %d 个授权", expiredCount)
	return expiredCount
}

// RetrySweeper 重试扫描任务：挑出冷却期已过、重试次数未用尽的失败扣款重新发起
//
// 单条重试失败不影响同批其余记录
type RetrySweeper struct {
	chargeSvc  *service.ChargeService
	chargeRepo *repository.ChargeRepository
	cfg        config.BusinessConfig
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewRetrySweeper(db *gorm.DB, chargeSvc *service.ChargeService, cfg config.BusinessConfig) *RetrySweeper {
	interval := time.Duration(cfg.RetrySweepSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	batchSize := cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RetrySweeper{
		chargeSvc:  chargeSvc,
		chargeRepo: repository.NewChargeRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  batchSize,
	}
}

func (j *RetrySweeper) Start(ctx context.Context) {
	log.Println("[RetrySweeper] 扣款重试扫描任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RetrySweeper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[RetrySweeper] 任务停止")
			return
		case <-ticker.C:
			j.SweepRetries(ctx)
		}
	}
}

func (j *RetrySweeper) Stop() {
	close(j.stopCh)
}

// SweepRetries 执行一轮重试，返回本轮新发起的扣款记录
func (j *RetrySweeper) SweepRetries(ctx context.Context) []*model.Charge {
	now := time.Now()
	retryDelay := time.Duration(j.cfg.RetryDelayMinutes) * time.Minute
	charges, err := j.chargeRepo.ListRetryable(ctx, j.cfg.RetryAttempts, retryDelay, now, j.batchSize)
	if err != nil {
		log.Printf("[RetrySweeper] 查询可重试扣款失败: %v", err)
		return nil
	}

	if len(charges) == 0 {
		return nil
	}

	log.Printf("[RetrySweeper] 发现 %d 个可重试的失败扣款", len(charges))

	var attempts []*model.Charge
	for _, charge := range charges {
		attempt, err := j.chargeSvc.RetryCharge(ctx, charge)
		if err != nil {
			// 授权已失效属于正常情况，降级为普通日志
			if errors.Is(err, service.ErrAuthorizationNotActive) {
				log.Printf("[RetrySweeper] 跳过重试，授权已不可用: chargeID=%d", charge.ID)
			} else {
				log.Printf("[RetrySweeper] 重试失败: chargeID=%d, err=%v", charge.ID, err)
			}
			continue
		}
		attempts = append(attempts, attempt)
	}

	log.Printf("[RetrySweeper] 本轮发起 %d 次重试", len(attempts))
	return attempts
}

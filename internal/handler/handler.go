package handler

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"mbwayap/internal/gateway"
	"mbwayap/internal/model"
	"mbwayap/internal/repository"
	"mbwayap/internal/service"
	"mbwayap/pkg/response"
	"mbwayap/pkg/validate"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	authService      *service.AuthorizationService
	chargeService    *service.ChargeService
	reconcileService *service.ReconcileService
}

// NewHandler 创建处理器实例
func NewHandler(authSvc *service.AuthorizationService, chargeSvc *service.ChargeService, reconcileSvc *service.ReconcileService) *Handler {
	return &Handler{
		authService:      authSvc,
		chargeService:    chargeSvc,
		reconcileService: reconcileSvc,
	}
}

// ============================================================
// 授权相关接口
// ============================================================

// CreateAuthorizationRequest 创建授权请求
type CreateAuthorizationRequest struct {
	CustomerPhone     string                 `json:"customer_phone" binding:"required"`
	CustomerEmail     string                 `json:"customer_email" binding:"required"`
	MaxAmount         string                 `json:"max_amount" binding:"required"`
	Currency          string                 `json:"currency"`
	ValidityDate      *time.Time             `json:"validity_date"`
	Description       string                 `json:"description" binding:"required"`
	MerchantReference string                 `json:"merchant_reference"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// CreateAuthorization 创建授权
// POST /api/v1/authorization/create
func (h *Handler) CreateAuthorization(c *gin.Context) {
	var req CreateAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	maxAmount, err := decimal.NewFromString(req.MaxAmount)
	if err != nil {
		response.ParamError(c, "max_amount 参数错误")
		return
	}

	auth, err := h.authService.CreateAuthorization(c.Request.Context(), &service.CreateAuthorizationRequest{
		CustomerPhone:     req.CustomerPhone,
		CustomerEmail:     req.CustomerEmail,
		MaxAmount:         maxAmount,
		Currency:          req.Currency,
		ValidityDate:      req.ValidityDate,
		Description:       req.Description,
		MerchantReference: req.MerchantReference,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, authorizationView(auth))
}

// GetAuthorization 查询授权详情
// GET /api/v1/authorization/detail?id=xxx
func (h *Handler) GetAuthorization(c *gin.Context) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	auth, err := h.authService.GetAuthorization(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	remaining, err := h.authService.Remaining(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	view := authorizationView(auth)
	view["remaining_amount"] = remaining.StringFixed(2)
	response.Success(c, view)
}

// ListAuthorizations 查询可用授权
// GET /api/v1/authorization/list?customer_phone=xxx&merchant_reference=xxx&limit=xxx
func (h *Handler) ListAuthorizations(c *gin.Context) {
	filter := repository.ListActiveFilter{
		CustomerPhone:     c.Query("customer_phone"),
		MerchantReference: c.Query("merchant_reference"),
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	auths, err := h.authService.ListActive(c.Request.Context(), filter, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]gin.H, 0, len(auths))
	for _, auth := range auths {
		items = append(items, authorizationView(auth))
	}
	response.Success(c, gin.H{"items": items, "count": len(items)})
}

// ListExpiringAuthorizations 查询即将到期的授权
// GET /api/v1/authorization/expiring?days=30
func (h *Handler) ListExpiringAuthorizations(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		response.ParamError(c, "days 参数错误")
		return
	}

	auths, err := h.authService.ListExpiring(c.Request.Context(), days)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]gin.H, 0, len(auths))
	for _, auth := range auths {
		items = append(items, authorizationView(auth))
	}
	response.Success(c, gin.H{"items": items, "count": len(items)})
}

// CancelAuthorizationRequest 撤销授权请求
type CancelAuthorizationRequest struct {
	AuthorizationID int64 `json:"authorization_id" binding:"required"`
}

// CancelAuthorization 撤销授权
// POST /api/v1/authorization/cancel
func (h *Handler) CancelAuthorization(c *gin.Context) {
	var req CancelAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.authService.Cancel(c.Request.Context(), req.AuthorizationID); err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "授权已撤销"})
}

// CheckAuthorizationStatus 向网关查询授权状态
// GET /api/v1/authorization/status?id=xxx
func (h *Handler) CheckAuthorizationStatus(c *gin.Context) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	resp, err := h.authService.CheckStatus(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, resp)
}

// ============================================================
// 扣款相关接口
// ============================================================

// ExecuteChargeRequest 扣款请求
type ExecuteChargeRequest struct {
	AuthorizationID int64  `json:"authorization_id" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	Description     string `json:"description"`
}

// ExecuteCharge 发起扣款
// POST /api/v1/charge/execute
func (h *Handler) ExecuteCharge(c *gin.Context) {
	var req ExecuteChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.ParamError(c, "amount 参数错误")
		return
	}

	charge, err := h.chargeService.ProcessCharge(c.Request.Context(), &service.ProcessChargeRequest{
		AuthorizationID: req.AuthorizationID,
		Amount:          amount,
		Description:     req.Description,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, chargeView(charge))
}

// GetCharge 查询扣款详情
// GET /api/v1/charge/detail?id=xxx
func (h *Handler) GetCharge(c *gin.Context) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	charge, err := h.chargeService.GetCharge(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, chargeView(charge))
}

// ListCharges 查询某授权下的扣款记录
// GET /api/v1/charge/list?authorization_id=xxx&page=1&page_size=20
func (h *Handler) ListCharges(c *gin.Context) {
	authID, ok := h.parseID(c, "authorization_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	charges, total, err := h.chargeService.ListCharges(c.Request.Context(), authID, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]gin.H, 0, len(charges))
	for _, charge := range charges {
		items = append(items, chargeView(charge))
	}
	response.Success(c, gin.H{"items": items, "total": total, "page": page, "page_size": pageSize})
}

// CheckChargeStatus 向网关查询扣款状态
// GET /api/v1/charge/status?id=xxx
func (h *Handler) CheckChargeStatus(c *gin.Context) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	resp, err := h.chargeService.GetChargeStatus(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, resp)
}

// ============================================================
// 退款相关接口
// ============================================================

// ExecuteRefundRequest 退款请求，amount 为空时退剩余全额
type ExecuteRefundRequest struct {
	ChargeID int64   `json:"charge_id" binding:"required"`
	Amount   *string `json:"amount"`
}

// ExecuteRefund 发起退款
// POST /api/v1/refund/execute
func (h *Handler) ExecuteRefund(c *gin.Context) {
	var req ExecuteRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var amount *decimal.Decimal
	if req.Amount != nil {
		parsed, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			response.ParamError(c, "amount 参数错误")
			return
		}
		amount = &parsed
	}

	charge, err := h.chargeService.Refund(c.Request.Context(), req.ChargeID, amount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, chargeView(charge))
}

// ============================================================
// 回调接口
// ============================================================

// HandleWebhook 处理 SIBS 回调
// POST /webhooks/sibs
//
// 应答约定：2xx 表示已消化（网关不再重投），503 表示临时故障请重投，
// 无法分类的载荷回 400 终止重投
func (h *Handler) HandleWebhook(c *gin.Context) {
	raw, exists := c.Get(rawBodyKey)
	if !exists {
		c.JSON(400, gin.H{"code": 400, "message": "缺少请求体"})
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw.([]byte), &payload); err != nil {
		c.JSON(400, gin.H{"code": 400, "message": "请求体解析失败"})
		return
	}

	err := h.reconcileService.ApplyWebhook(c.Request.Context(), payload)
	if err == nil {
		c.JSON(200, gin.H{"code": 0, "message": "ok"})
		return
	}

	var conflictErr *service.ConflictError
	switch {
	case errors.Is(err, service.ErrUnknownEvent):
		c.JSON(400, gin.H{"code": 400, "message": "无法识别的回调载荷"})
	case errors.As(err, &conflictErr):
		c.JSON(409, gin.H{"code": response.CodeConflict, "message": conflictErr.Error()})
	case gateway.IsTransient(err):
		c.JSON(503, gin.H{"code": 503, "message": "临时故障，请重试"})
	default:
		// 数据库类故障按临时处理，等网关重投
		c.JSON(503, gin.H{"code": 503, "message": "临时故障，请重试"})
	}
}

// ============================================================
// 错误映射与视图
// ============================================================

func (h *Handler) parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var fieldErr *validate.FieldError
	var conflictErr *service.ConflictError
	var stateErr *service.InvalidStateError

	switch {
	case errors.As(err, &fieldErr):
		response.ParamError(c, fieldErr.Error())
	case errors.Is(err, repository.ErrAuthorizationNotFound):
		response.BusinessError(c, response.CodeAuthorizationNotFound, "授权不存在")
	case errors.Is(err, repository.ErrChargeNotFound):
		response.BusinessError(c, response.CodeChargeNotFound, "扣款记录不存在")
	case errors.Is(err, repository.ErrDuplicateMerchantReference):
		response.BusinessError(c, response.CodeDuplicateReference, "商户引用已存在")
	case errors.As(err, &conflictErr):
		response.BusinessError(c, response.CodeConflict, conflictErr.Error())
	case errors.As(err, &stateErr):
		response.BusinessError(c, response.CodeStatusInvalid, stateErr.Error())
	case errors.Is(err, service.ErrAuthorizationNotActive),
		errors.Is(err, service.ErrAuthorizationExpired):
		response.BusinessError(c, response.CodeStatusInvalid, err.Error())
	case errors.Is(err, service.ErrAmountExceedsLimit):
		response.BusinessError(c, response.CodeAmountExceedsLimit, err.Error())
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidRefundAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrNotRefundable):
		response.BusinessError(c, response.CodeNotRefundable, err.Error())
	case errors.Is(err, service.ErrRefundFailed):
		response.BusinessError(c, response.CodeRefundFailed, err.Error())
	case errors.Is(err, repository.ErrRefundRaced):
		response.BusinessError(c, response.CodeConflict, "退款并发冲突，请稍后重试")
	case gateway.IsTransient(err):
		response.BusinessError(c, response.CodeChargeFailed, "网关暂时不可用: "+err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func authorizationView(auth *model.Authorization) gin.H {
	return gin.H{
		"id":                 auth.ID,
		"authorization_id":   auth.AuthorizationID,
		"customer_phone":     auth.MaskedPhone(),
		"customer_email":     auth.CustomerEmail,
		"max_amount":         auth.MaxAmount.StringFixed(2),
		"currency":           auth.Currency,
		"validity_date":      auth.ValidityDate,
		"status":             auth.Status,
		"description":        auth.Description,
		"merchant_reference": auth.MerchantReference,
		"created_at":         auth.CreatedAt,
	}
}

func chargeView(charge *model.Charge) gin.H {
	return gin.H{
		"id":                 charge.ID,
		"authorization_id":   charge.AuthorizationID,
		"parent_charge_id":   charge.ParentChargeID,
		"transaction_id":     charge.TransactionID,
		"amount":             charge.Amount.StringFixed(2),
		"currency":           charge.Currency,
		"status":             charge.Status,
		"charge_date":        charge.ChargeDate,
		"description":        charge.Description,
		"merchant_reference": charge.MerchantReference,
		"error_message":      charge.ErrorMessage,
		"retry_count":        charge.RetryCount,
		"refunded_amount":    charge.RefundedAmount.StringFixed(2),
		"refunded_at":        charge.RefundedAt,
	}
}

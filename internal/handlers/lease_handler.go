package handlers

import (
	"time"

	"rentflow/internal/models"
	"rentflow/internal/services"
	"rentflow/pkg/pagination"
	"rentflow/pkg/response"
	"rentflow/pkg/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// LeaseHandler 租约处理器
type LeaseHandler struct {
	leaseService *services.LeaseService
	gate         *services.PaymentGate
	activator    *services.ActivationCoordinator
}

// NewLeaseHandler 创建租约处理器实例
func NewLeaseHandler(leaseService *services.LeaseService, gate *services.PaymentGate, activator *services.ActivationCoordinator) *LeaseHandler {
	return &LeaseHandler{
		leaseService: leaseService,
		gate:         gate,
		activator:    activator,
	}
}

// Create 生成租约
func (h *LeaseHandler) Create(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req struct {
		PropertyID      uint            `json:"property_id" binding:"required"`
		TenantID        uint            `json:"tenant_id" binding:"required"`
		ManagerID       uint            `json:"manager_id"`
		MonthlyRent     decimal.Decimal `json:"monthly_rent"`
		SecurityDeposit decimal.Decimal `json:"security_deposit"`
		Currency        string          `json:"currency" binding:"omitempty,max=10"`
		StartDate       string          `json:"start_date" binding:"required,datetime=2006-01-02"`
		EndDate         string          `json:"end_date" binding:"required,datetime=2006-01-02"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindErrorMessage(err, map[string]string{
			"PropertyID": "房源ID不能为空",
			"TenantID":   "租客ID不能为空",
			"Currency":   "币种长度不能超过10个字符",
			"StartDate":  "开始日期格式应为 YYYY-MM-DD",
			"EndDate":    "结束日期格式应为 YYYY-MM-DD",
		}))
		return
	}

	// 物业经理默认为自己，管理员可代为指定
	if req.ManagerID == 0 || user.Role != models.RoleAdmin {
		req.ManagerID = user.ID
	}

	start, _ := time.Parse("2006-01-02", req.StartDate)
	end, _ := time.Parse("2006-01-02", req.EndDate)

	lease, err := h.leaseService.CreateLease(c.Request.Context(), services.CreateLeaseRequest{
		PropertyID:      req.PropertyID,
		TenantID:        req.TenantID,
		ManagerID:       req.ManagerID,
		MonthlyRent:     req.MonthlyRent,
		SecurityDeposit: req.SecurityDeposit,
		Currency:        req.Currency,
		StartDate:       start,
		EndDate:         end,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, lease)
}

// List 租约列表；租客只能看到自己的租约，物业经理只能看到自己负责的
func (h *LeaseHandler) List(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	params := pagination.ParsePageParams(c)
	filter := services.LeaseFilter{
		Status: models.LeaseStatus(c.Query("status")),
	}
	switch user.Role {
	case models.RoleAdmin:
	case models.RoleManager:
		filter.ManagerID = user.ID
	default:
		filter.TenantID = user.ID
	}

	leases, total, err := h.leaseService.ListLeases(c.Request.Context(), filter, params)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithPage(c, leases, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// GetByID 租约详情
func (h *LeaseHandler) GetByID(c *gin.Context) {
	lease, _, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	response.Success(c, lease)
}

// SigningMessage 获取待签消息
func (h *LeaseHandler) SigningMessage(c *gin.Context) {
	role := wallet.Role(c.Query("role"))
	if !role.Valid() {
		response.BadRequest(c, "role 必须是 landlord 或 tenant")
		return
	}
	lease, user, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	if !canSignAs(user, lease, role) {
		response.Forbidden(c, "无权以 "+string(role)+" 身份签署该租约")
		return
	}

	message, err := h.leaseService.SigningMessage(c.Request.Context(), lease.ID, role)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"lease_id": lease.ID,
		"role":     role,
		"message":  message,
	})
}

// Sign 提交钱包签名
func (h *LeaseHandler) Sign(c *gin.Context) {
	var req struct {
		Role            string `json:"role" binding:"required,oneof=landlord tenant"`
		WalletID        string `json:"wallet_id" binding:"required,max=64"`
		SignatureBase64 string `json:"signature_base64" binding:"required,base64"`
		Message         string `json:"message" binding:"required,max=255"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindErrorMessage(err, map[string]string{
			"Role":            "role 必须是 landlord 或 tenant",
			"WalletID":        "钱包地址不能为空",
			"SignatureBase64": "签名必须是base64编码",
			"Message":         "签名消息不能为空",
		}))
		return
	}

	lease, user, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	role := wallet.Role(req.Role)
	if !canSignAs(user, lease, role) {
		response.Forbidden(c, "无权以 "+req.Role+" 身份签署该租约")
		return
	}

	actorID := user.ID
	signed, err := h.leaseService.RecordSignature(c.Request.Context(), services.SignRequest{
		LeaseID:         lease.ID,
		Role:            role,
		WalletID:        req.WalletID,
		SignatureBase64: req.SignatureBase64,
		Message:         req.Message,
		ActorID:         &actorID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, signed)
}

// Verify 复核租约签名
func (h *LeaseHandler) Verify(c *gin.Context) {
	lease, _, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	result, err := h.leaseService.VerifyLease(c.Request.Context(), lease.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

// UpdateStatus 终止或到期
func (h *LeaseHandler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required,oneof=terminated expired"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindErrorMessage(err, map[string]string{
			"Status": "status 必须是 terminated 或 expired",
		}))
		return
	}

	lease, user, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	if !canChangeLeaseStatus(user, lease, models.LeaseStatus(req.Status)) {
		response.Forbidden(c, "无权修改该租约状态")
		return
	}

	actorID := user.ID
	updated, err := h.leaseService.UpdateStatus(c.Request.Context(), lease.ID, models.LeaseStatus(req.Status), &actorID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, updated)
}

// Activate 手动重新检查激活条件
func (h *LeaseHandler) Activate(c *gin.Context) {
	lease, _, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	result, err := h.activator.TryActivate(c.Request.Context(), lease.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

// PaymentStatus 付款状态
func (h *LeaseHandler) PaymentStatus(c *gin.Context) {
	lease, _, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	status, err := h.gate.PaymentStatus(c.Request.Context(), lease.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, status)
}

// Events 租约审计记录
func (h *LeaseHandler) Events(c *gin.Context) {
	lease, _, ok := h.loadLease(c, canViewLease)
	if !ok {
		return
	}
	events, err := h.leaseService.ListEvents(c.Request.Context(), lease.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, events)
}

// loadLease 读取路径中的租约并检查访问权限，失败时已写入响应
func (h *LeaseHandler) loadLease(c *gin.Context, allowed func(*models.User, *models.Lease) bool) (*models.Lease, *models.User, bool) {
	user, ok := currentUser(c)
	if !ok {
		return nil, nil, false
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return nil, nil, false
	}
	lease, err := h.leaseService.GetLease(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err)
		return nil, nil, false
	}
	if !allowed(user, lease) {
		response.Forbidden(c, "无权访问该租约")
		return nil, nil, false
	}
	return lease, user, true
}

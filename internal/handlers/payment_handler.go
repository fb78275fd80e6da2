package handlers

import (
	"errors"

	"rentflow/internal/models"
	"rentflow/internal/services"
	apperrors "rentflow/pkg/errors"
	"rentflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// PaymentHandler 付款处理器
type PaymentHandler struct {
	executor     *services.PaymentExecutor
	leaseService *services.LeaseService
}

// NewPaymentHandler 创建付款处理器实例
func NewPaymentHandler(executor *services.PaymentExecutor, leaseService *services.LeaseService) *PaymentHandler {
	return &PaymentHandler{
		executor:     executor,
		leaseService: leaseService,
	}
}

// Initiate 发起转账，立即返回处理中状态
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req struct {
		FromWalletID string `json:"from_wallet_id" binding:"required,max=64"`
		ToAddress    string `json:"to_address" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindErrorMessage(err, map[string]string{
			"FromWalletID": "付款钱包不能为空",
			"ToAddress":    "收款地址不能为空",
		}))
		return
	}

	ob, ok := h.loadObligation(c, func(user *models.User, lease *models.Lease) bool {
		return user.Role == models.RoleAdmin || user.ID == lease.TenantID
	})
	if !ok {
		return
	}

	result, err := h.executor.InitiateTransfer(c.Request.Context(), services.InitiateRequest{
		ObligationID: ob.ID,
		FromWallet:   req.FromWalletID,
		ToAddress:    req.ToAddress,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrObligationAlreadySettled) && result != nil {
			appErr := apperrors.As(err)
			c.JSON(appErr.HTTPCode(), response.Response{
				Success: false,
				Data:    result,
				Error: &response.ErrorBody{
					Code:    appErr.Code,
					Kind:    string(appErr.Kind),
					Message: appErr.Message,
				},
			})
			return
		}
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

// Poll 轮询结算结果
func (h *PaymentHandler) Poll(c *gin.Context) {
	ob, ok := h.loadObligation(c, canViewLease)
	if !ok {
		return
	}

	result, err := h.executor.PollForSettlement(c.Request.Context(), ob.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *PaymentHandler) loadObligation(c *gin.Context, allowed func(*models.User, *models.Lease) bool) (*models.PaymentObligation, bool) {
	user, ok := currentUser(c)
	if !ok {
		return nil, false
	}
	id, ok := parseIDParam(c, "obligationId")
	if !ok {
		return nil, false
	}

	ob, err := h.executor.GetObligation(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err)
		return nil, false
	}
	lease, err := h.leaseService.GetLease(c.Request.Context(), ob.LeaseID)
	if err != nil {
		response.FromError(c, err)
		return nil, false
	}
	if !allowed(user, lease) {
		response.Forbidden(c, "无权操作该付款")
		return nil, false
	}
	return ob, true
}

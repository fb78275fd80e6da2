package handlers

import (
	"rentflow/internal/services"
	"rentflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// SweepHandler 手动触发巡检步骤
type SweepHandler struct {
	sweeper *services.ObligationSweeper
}

func NewSweepHandler(sweeper *services.ObligationSweeper) *SweepHandler {
	return &SweepHandler{sweeper: sweeper}
}

// GenerateMonthly 生成月租
func (h *SweepHandler) GenerateMonthly(c *gin.Context) {
	result, err := h.sweeper.GenerateMonthlyObligations(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

// MarkOverdue 标记逾期
func (h *SweepHandler) MarkOverdue(c *gin.Context) {
	updated, err := h.sweeper.MarkOverdue(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": updated})
}

// SendReminders 按配置的提前天数发送提醒
func (h *SweepHandler) SendReminders(c *gin.Context) {
	sent, err := h.sweeper.SendReminders(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"sent": sent})
}

package handlers

import (
	"errors"
	"fmt"
	"strconv"

	"rentflow/internal/middleware"
	"rentflow/internal/models"
	"rentflow/pkg/response"
	"rentflow/pkg/wallet"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// parseIDParam 解析路径中的数字ID，失败时已写入响应
func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "无效的ID: "+c.Param(name))
		return 0, false
	}
	return uint(id), true
}

// bindErrorMessage 把绑定校验错误转换为可读提示，只返回第一个字段的错误
func bindErrorMessage(err error, messages map[string]string) string {
	var validationErr validator.ValidationErrors
	if errors.As(err, &validationErr) {
		for _, fieldErr := range validationErr {
			if msg, ok := messages[fieldErr.Field()]; ok {
				return msg
			}
			return fmt.Sprintf("字段 %s 验证失败", fieldErr.Field())
		}
	}
	return "请求参数格式错误"
}

// currentUser RequireLogin 之后调用，失败时已写入响应
func currentUser(c *gin.Context) (*models.User, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		response.Unauthorized(c, "请先登录")
		return nil, false
	}
	return user, true
}

// canViewLease 租约双方与管理员可查看
func canViewLease(user *models.User, lease *models.Lease) bool {
	return user.Role == models.RoleAdmin || user.ID == lease.ManagerID || user.ID == lease.TenantID
}

// canManageLease 负责该租约的物业经理与管理员
func canManageLease(user *models.User, lease *models.Lease) bool {
	return user.Role == models.RoleAdmin || (user.Role == models.RoleManager && user.ID == lease.ManagerID)
}

// canChangeLeaseStatus 经理与管理员可终止或置为到期，租客只能终止自己的租约
func canChangeLeaseStatus(user *models.User, lease *models.Lease, status models.LeaseStatus) bool {
	if canManageLease(user, lease) {
		return true
	}
	return user.ID == lease.TenantID && status == models.LeaseStatusTerminated
}

// canSignAs landlord 由负责的物业经理签署，tenant 由租约上的租客签署
func canSignAs(user *models.User, lease *models.Lease, role wallet.Role) bool {
	if user.Role == models.RoleAdmin {
		return true
	}
	switch role {
	case wallet.RoleLandlord:
		return user.Role == models.RoleManager && user.ID == lease.ManagerID
	case wallet.RoleTenant:
		return user.ID == lease.TenantID
	default:
		return false
	}
}

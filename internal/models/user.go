package models

import "time"

// UserRole 账号角色，同一时刻只有一个
type UserRole string

const (
	RoleProspectiveTenant UserRole = "prospective_tenant"
	RoleTenant            UserRole = "tenant"
	RoleManager           UserRole = "manager"
	RoleAdmin             UserRole = "admin"
)

// Valid 是否为已知角色
func (r UserRole) Valid() bool {
	switch r {
	case RoleProspectiveTenant, RoleTenant, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsStaff 物业管理方角色
func (r UserRole) IsStaff() bool {
	switch r {
	case RoleManager, RoleAdmin:
		return true
	case RoleProspectiveTenant, RoleTenant:
		return false
	default:
		return false
	}
}

// User 用户模型，账号本身由账号服务维护，这里只关心角色
type User struct {
	BaseModel
	Username      string     `json:"username" gorm:"unique;not null;size:50"`
	Email         string     `json:"email" gorm:"unique;not null;size:100"`
	Name          string     `json:"name" gorm:"size:100"`
	WalletAddress *string    `json:"wallet_address" gorm:"size:64"`
	Role          UserRole   `json:"role" gorm:"not null;size:30;default:'prospective_tenant';index"`
	TenantSince   *time.Time `json:"tenant_since"`
}

// TableName 表名
func (u *User) TableName() string {
	return "users"
}

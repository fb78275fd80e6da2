package services

import (
	"context"
	"errors"

	"rentflow/internal/models"
	apperrors "rentflow/pkg/errors"

	"gorm.io/gorm"
)

// UserService 只读访问账号服务同步过来的用户
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// GetByID 获取用户
func (s *UserService) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrUserNotFound.With("用户 %d 不存在", id)
		}
		return nil, err
	}
	return &user, nil
}

package main

import (
	"fmt"
	"os"

	"rentflow/internal/models"
	"rentflow/pkg/logger"

	"gorm.io/gorm"
)

// seedData 开发环境的默认账号；生产环境账号由账号服务同步
func seedData(db *gorm.DB) error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting seed data initialization...")

	users := []models.User{
		{Username: "admin", Email: envOr("SEED_ADMIN_EMAIL", "admin@rentflow.local"), Name: "管理员", Role: models.RoleAdmin},
		{Username: "manager", Email: envOr("SEED_MANAGER_EMAIL", "manager@rentflow.local"), Name: "物业经理", Role: models.RoleManager},
	}
	for i := range users {
		if err := createUserIfMissing(db, &users[i]); err != nil {
			return fmt.Errorf("创建默认用户 %s 失败: %v", users[i].Username, err)
		}
	}

	appLogger.Info("Seed data initialization completed successfully")
	return nil
}

func createUserIfMissing(db *gorm.DB, user *models.User) error {
	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", user.Username).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		logger.GetLogger().Infof("用户 %s 已存在，跳过创建", user.Username)
		return nil
	}
	if err := db.Create(user).Error; err != nil {
		return err
	}
	logger.GetLogger().Infof("已创建默认用户 %s (ID %d)", user.Username, user.ID)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.Payment.MaxTransferAmount.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 10, cfg.Payment.PollAttempts)
	assert.Equal(t, 3*time.Second, cfg.Payment.PollInterval)
	assert.Equal(t, 1, cfg.Obligation.DueDay)
	assert.Equal(t, []int{1, 3}, cfg.Obligation.ReminderLeadDays)
	assert.Equal(t, 15*time.Minute, cfg.Signing.MessageMaxAge)
	assert.Equal(t, "@hourly", cfg.Sweep.Cron)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PAYMENT_MAX_TRANSFER_AMOUNT", "2500.50")
	t.Setenv("PAYMENT_POLL_INTERVAL", "500ms")
	t.Setenv("REMINDER_LEAD_DAYS", "7, 1")
	t.Setenv("OBLIGATION_DUE_DAY", "28")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://app.example.com, *.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Payment.MaxTransferAmount.Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, 500*time.Millisecond, cfg.Payment.PollInterval)
	assert.Equal(t, []int{7, 1}, cfg.Obligation.ReminderLeadDays)
	assert.Equal(t, 28, cfg.Obligation.DueDay)
	assert.Equal(t, []string{"https://app.example.com", "*.example.com"}, cfg.CORS.AllowOrigins)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"金额格式", "PAYMENT_MAX_TRANSFER_AMOUNT", "ten"},
		{"金额为零", "PAYMENT_MAX_TRANSFER_AMOUNT", "0"},
		{"时长格式", "PAYMENT_POLL_INTERVAL", "3 seconds"},
		{"提醒天数格式", "REMINDER_LEAD_DAYS", "1,x"},
		{"提醒天数为负", "REMINDER_LEAD_DAYS", "-1"},
		{"到期日越界", "OBLIGATION_DUE_DAY", "32"},
		{"轮询次数", "PAYMENT_POLL_ATTEMPTS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

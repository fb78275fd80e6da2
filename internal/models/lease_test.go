package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var allLeaseStatuses = []LeaseStatus{
	LeaseStatusDraft, LeaseStatusPendingTenant, LeaseStatusPendingLandlord,
	LeaseStatusFullySigned, LeaseStatusActive, LeaseStatusExpired, LeaseStatusTerminated,
}

func TestLeaseStatusTransitions(t *testing.T) {
	allowed := map[LeaseStatus][]LeaseStatus{
		LeaseStatusDraft:           {LeaseStatusPendingTenant, LeaseStatusPendingLandlord, LeaseStatusFullySigned},
		LeaseStatusPendingTenant:   {LeaseStatusFullySigned},
		LeaseStatusPendingLandlord: {LeaseStatusFullySigned},
		LeaseStatusFullySigned:     {LeaseStatusActive},
		LeaseStatusActive:          {LeaseStatusExpired, LeaseStatusTerminated},
	}

	for _, from := range allLeaseStatuses {
		for _, to := range allLeaseStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	assert.False(t, LeaseStatus("signed").Valid())
	assert.False(t, LeaseStatus("signed").CanTransitionTo(LeaseStatusActive))
	assert.True(t, LeaseStatusExpired.Terminal())
	assert.False(t, LeaseStatusActive.Terminal())
}

func TestSigningStatusIsOrderIndependent(t *testing.T) {
	assert.Equal(t, LeaseStatusDraft, SigningStatus(false, false))
	assert.Equal(t, LeaseStatusPendingTenant, SigningStatus(true, false))
	assert.Equal(t, LeaseStatusPendingLandlord, SigningStatus(false, true))
	assert.Equal(t, LeaseStatusFullySigned, SigningStatus(true, true))
}

func TestTermsHashIsStable(t *testing.T) {
	terms := LeaseTerms{
		MonthlyRent:     decimal.NewFromInt(1500),
		SecurityDeposit: decimal.NewFromInt(2000),
		Currency:        "USDC",
		StartDate:       time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2027, 10, 31, 0, 0, 0, 0, time.UTC),
	}
	same := terms
	same.MonthlyRent = decimal.RequireFromString("1500.000000")

	assert.Len(t, terms.Hash(), 64)
	assert.Equal(t, terms.Hash(), same.Hash())

	changed := terms
	changed.MonthlyRent = decimal.NewFromInt(1501)
	assert.NotEqual(t, terms.Hash(), changed.Hash())
}

func TestObligationStatusPayable(t *testing.T) {
	assert.True(t, ObligationPending.Payable())
	assert.True(t, ObligationLate.Payable())
	assert.True(t, ObligationFailed.Payable())
	assert.False(t, ObligationProcessing.Payable())
	assert.False(t, ObligationCompleted.Payable())
}

func TestUserRole(t *testing.T) {
	assert.True(t, RoleManager.IsStaff())
	assert.True(t, RoleAdmin.IsStaff())
	assert.False(t, RoleTenant.IsStaff())
	assert.False(t, UserRole("owner").Valid())
}

package models

import "time"

// User statuses.
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

// Routing strategies selecting which provider a user's requests try first.
const (
	// RoutingPlanFirst tries the Claude plan upstream first and falls back
	// to Bedrock on retryable failures.
	RoutingPlanFirst = "plan_first"
	// RoutingBedrockOnly skips the plan upstream entirely.
	RoutingBedrockOnly = "bedrock_only"
)

// User represents an account that owns access keys and a monthly budget.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email string `gorm:"type:text;not null;uniqueIndex"` // Login identifier.
	Name  string `gorm:"type:text"`                      // Display name.

	Status          string `gorm:"type:text;not null;default:active"`     // active or suspended.
	RoutingStrategy string `gorm:"type:text;not null;default:plan_first"` // plan_first or bedrock_only.

	MonthlyBudgetMicros *int64 `gorm:""` // Monthly spend cap in micro-USD; nil means unlimited.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IsActive reports whether the user may authenticate.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

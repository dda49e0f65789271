package api

import (
	"time"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// FormalizeRequest is the body of POST /formalize
type FormalizeRequest struct {
	Content   string `json:"content"`
	AccountID string `json:"accountId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// FormalizeResponse carries the rewritten text and the caller's quota after the use
type FormalizeResponse struct {
	Result    string                   `json:"result"`
	Remaining entitlement.Remaining    `json:"remaining"`
	Tier      entitlement.DisplayState `json:"tier"`
	Until     *time.Time               `json:"until,omitempty"`
	Degraded  bool                     `json:"degraded,omitempty"`
}

// QuotaExceededResponse is returned with 409
type QuotaExceededResponse struct {
	Error     string                   `json:"error"`
	Tier      entitlement.DisplayState `json:"tier"`
	Remaining entitlement.Remaining    `json:"remaining"`
}

// SignInRequest is the body of POST /sign-in
type SignInRequest struct {
	AccountID string `json:"accountId"`
	DeviceID  string `json:"deviceId,omitempty"`
	Email     string `json:"email,omitempty"`
}

// SignInResponse reports the merged entitlement
type SignInResponse struct {
	Entitlement EntitlementResponse `json:"entitlement"`
	Merged      int                 `json:"merged"`
	Created     bool                `json:"created"`
	Degraded    bool                `json:"degraded"`
}

// EntitlementResponse is the client view of an account
type EntitlementResponse struct {
	AccountID           string               `json:"accountId"`
	Tier                entitlement.Tier     `json:"tier"`
	UsageCount          int                  `json:"usageCount"`
	BillingCustomerID   *string              `json:"billingCustomerId"`
	SubscriptionID      *string              `json:"subscriptionId"`
	SubscriptionEndDate *time.Time           `json:"subscriptionEndDate"`
	Email               string               `json:"email,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	Quota               entitlement.Decision `json:"quota"`
}

func newEntitlementResponse(ent *entitlement.Entitlement, d entitlement.Decision) EntitlementResponse {
	return EntitlementResponse{
		AccountID:           ent.AccountID,
		Tier:                ent.Tier,
		UsageCount:          ent.UsageCount,
		BillingCustomerID:   ent.BillingCustomerID,
		SubscriptionID:      ent.SubscriptionID,
		SubscriptionEndDate: ent.SubscriptionEndDate,
		Email:               ent.Email,
		CreatedAt:           ent.CreatedAt,
		UpdatedAt:           ent.UpdatedAt,
		Quota:               d,
	}
}

// CheckoutRequest is the body of POST /checkout-session
type CheckoutRequest struct {
	AccountID       string `json:"accountId"`
	Email           string `json:"email"`
	IsReinstatement bool   `json:"isReinstatement,omitempty"`
}

// PortalRequest is the body of POST /portal-session
type PortalRequest struct {
	AccountID string `json:"accountId"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Services  HealthServices `json:"services"`
}

// HealthServices lists dependency states
type HealthServices struct {
	Model   string `json:"model"` // ok, unavailable or disabled
	Billing bool   `json:"billing"`
	Store   string `json:"store"` // ok, unavailable or disabled
}

// ErrorResponse is the JSON error body
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Package access decides whether a student's subscription covers an exam
// and computes plan expiry on upgrade.
package access

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pavelanni/tefprep/internal/model"
)

// FreeTrial is how long the free plan lasts from the moment it is granted.
const FreeTrial = 48 * time.Hour

// Store is the persistence the checker needs.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	SetSubscription(ctx context.Context, userID string, plan model.Plan, expiresAt time.Time) error
}

// Status is the outcome of an access check.
type Status struct {
	HasAccess  bool       `json:"has_access"`
	Plan       model.Plan `json:"plan"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	DaysLeft   int        `json:"days_left"`
}

// Allows reports whether the status grants access to content that requires
// the given plan. An empty requirement means the free plan.
func (s Status) Allows(required model.Plan) bool {
	if required == "" {
		required = model.PlanFree
	}
	return s.HasAccess && s.Plan.Rank() >= required.Rank()
}

// Checker evaluates and updates subscriptions.
type Checker struct {
	store Store
	now   func() time.Time
}

// New creates a checker. A nil clock means time.Now.
func New(s Store, now func() time.Time) *Checker {
	if now == nil {
		now = time.Now
	}
	return &Checker{store: s, now: now}
}

// HasAccess returns the subscription status of a student. Unknown students
// have no access.
func (c *Checker) HasAccess(ctx context.Context, studentID string) (Status, error) {
	u, err := c.store.GetUserByID(ctx, studentID)
	if err != nil {
		return Status{}, fmt.Errorf("load user: %w", err)
	}
	return Evaluate(u, c.now()), nil
}

// Evaluate compares a user's stored expiry with now. Access requires an
// expiry strictly in the future.
func Evaluate(u *model.User, now time.Time) Status {
	if u == nil {
		return Status{Plan: model.PlanFree}
	}
	st := Status{Plan: u.Plan, ExpiryDate: u.PlanExpiresAt}
	if u.PlanExpiresAt == nil {
		return st
	}
	remaining := u.PlanExpiresAt.Sub(now)
	if remaining > 0 {
		st.HasAccess = true
		st.DaysLeft = int(math.Ceil(remaining.Hours() / 24))
	}
	return st
}

// ExpiryFor computes the expiry of a plan granted at now. Calendar months
// follow time.AddDate normalisation.
func ExpiryFor(plan model.Plan, now time.Time) (time.Time, error) {
	switch plan {
	case model.PlanFree:
		return now.Add(FreeTrial), nil
	case model.PlanOneMonth:
		return now.AddDate(0, 1, 0), nil
	case model.PlanThreeMonths:
		return now.AddDate(0, 3, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown plan %q: %w", plan, model.ErrInvalidInput)
	}
}

// Upgrade sets a user's plan with an expiry counted from now. Remaining
// time on the previous plan is discarded.
func (c *Checker) Upgrade(ctx context.Context, userID string, plan model.Plan) (Status, error) {
	now := c.now()
	expiresAt, err := ExpiryFor(plan, now)
	if err != nil {
		return Status{}, err
	}
	if err := c.store.SetSubscription(ctx, userID, plan, expiresAt); err != nil {
		return Status{}, fmt.Errorf("set subscription: %w", err)
	}
	return c.HasAccess(ctx, userID)
}

// TrialExpiry is when a free trial starting now ends.
func (c *Checker) TrialExpiry() time.Time {
	return c.now().Add(FreeTrial)
}

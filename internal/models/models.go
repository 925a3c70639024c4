package models

import (
	"fmt"
	"time"
)

type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

var sizeRank = map[Size]int{
	SizeSmall:  1,
	SizeMedium: 2,
	SizeLarge:  3,
}

// Rank orders capacity tiers: small < medium < large. Unknown sizes rank 0.
func (s Size) Rank() int {
	return sizeRank[s]
}

func (s Size) Valid() bool {
	return s.Rank() > 0
}

// Fits reports whether a transport of capacity s can carry a load of size need.
func (s Size) Fits(need Size) bool {
	return s.Rank() >= need.Rank()
}

func ParseSize(v string) (Size, error) {
	s := Size(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown size %q", v)
	}
	return s, nil
}

func MaxSize(a, b Size) Size {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type CodePurpose string

const (
	PurposePickup   CodePurpose = "pickup"
	PurposeDelivery CodePurpose = "delivery"
)

func (p CodePurpose) Valid() bool {
	return p == PurposePickup || p == PurposeDelivery
}

// OneTimeCode holds only the hash of an issued code.
type OneTimeCode struct {
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *OneTimeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type FoodItem struct {
	ID                  string       `json:"id"`
	CampaignID          string       `json:"campaign_id"`
	BusinessID          string       `json:"business_id"`
	Name                string       `json:"name"`
	Description         string       `json:"description,omitempty"`
	Size                Size         `json:"size"`
	Status              FoodStatus   `json:"status"`
	AssignedVolunteerID string       `json:"assigned_volunteer_id,omitempty"`
	PickupCode          *OneTimeCode `json:"-"`
	DeliveryCode        *OneTimeCode `json:"-"`
	BatchID             string       `json:"batch_id,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Code returns the stored code for the given purpose, or nil.
func (f *FoodItem) Code(p CodePurpose) *OneTimeCode {
	switch p {
	case PurposePickup:
		return f.PickupCode
	case PurposeDelivery:
		return f.DeliveryCode
	}
	return nil
}

func (f *FoodItem) SetCode(p CodePurpose, c *OneTimeCode) {
	switch p {
	case PurposePickup:
		f.PickupCode = c
	case PurposeDelivery:
		f.DeliveryCode = c
	}
}

// Clone returns a deep copy so callers never share code pointers with a store.
func (f *FoodItem) Clone() *FoodItem {
	c := *f
	if f.PickupCode != nil {
		pc := *f.PickupCode
		c.PickupCode = &pc
	}
	if f.DeliveryCode != nil {
		dc := *f.DeliveryCode
		c.DeliveryCode = &dc
	}
	return &c
}

// ApplyTransition mutates f the way every store must when moving it to "to".
func (f *FoodItem) ApplyTransition(to FoodStatus, volunteerID string, at time.Time) {
	f.Status = to
	f.UpdatedAt = at
	switch to {
	case StatusPending, StatusRequested:
		f.AssignedVolunteerID = ""
	case StatusAssigned:
		f.AssignedVolunteerID = volunteerID
	case StatusPickedUp:
		f.PickupCode = nil
	case StatusDelivered:
		f.DeliveryCode = nil
	}
}

type TargetKind string

const (
	TargetItem  TargetKind = "item"
	TargetBatch TargetKind = "batch"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
)

func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

type AssignmentRequest struct {
	ID          string        `json:"id"`
	TargetID    string        `json:"target_id"`
	TargetKind  TargetKind    `json:"target_kind"`
	VolunteerID string        `json:"volunteer_id"`
	Status      RequestStatus `json:"status"`
	ExpiresAt   time.Time     `json:"expires_at"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}

// Expired reports whether a pending request has passed its deadline.
func (r *AssignmentRequest) Expired(now time.Time) bool {
	return r.Status == RequestPending && !now.Before(r.ExpiresAt)
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchAssigned  BatchStatus = "assigned"
	BatchCompleted BatchStatus = "completed"
)

type Batch struct {
	ID                  string      `json:"id"`
	CampaignID          string      `json:"campaign_id"`
	ItemIDs             []string    `json:"item_ids"`
	RequiredCapacity    Size        `json:"required_capacity"`
	AssignedVolunteerID string      `json:"assigned_volunteer_id,omitempty"`
	Status              BatchStatus `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
}

func (b *Batch) Clone() *Batch {
	c := *b
	c.ItemIDs = append([]string(nil), b.ItemIDs...)
	return &c
}

// DeriveStatus computes the batch status from its members. It is never stored.
func (b *Batch) DeriveStatus(members []*FoodItem) BatchStatus {
	if len(members) > 0 {
		done := true
		for _, m := range members {
			if m.Status != StatusDelivered {
				done = false
				break
			}
		}
		if done {
			return BatchCompleted
		}
	}
	if b.AssignedVolunteerID != "" {
		return BatchAssigned
	}
	return BatchPending
}

type VolunteerProfile struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	TransportCapacity Size   `json:"transport_capacity"`
}

type FoodFilter struct {
	Status    *FoodStatus
	Search    string
	Unbatched bool
	Offset    int64
	Limit     int64
}

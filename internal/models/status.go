package models

import "fmt"

type FoodStatus string

const (
	StatusPending   FoodStatus = "pending"
	StatusRequested FoodStatus = "requested"
	StatusAssigned  FoodStatus = "assigned"
	StatusPickedUp  FoodStatus = "picked-up"
	StatusDelivered FoodStatus = "delivered"
)

var transitions = map[FoodStatus][]FoodStatus{
	StatusPending:   {StatusRequested, StatusAssigned},
	StatusRequested: {StatusPending, StatusAssigned},
	StatusAssigned:  {StatusPickedUp},
	StatusPickedUp:  {StatusDelivered},
}

func (s FoodStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRequested, StatusAssigned, StatusPickedUp, StatusDelivered:
		return true
	}
	return false
}

func ParseFoodStatus(v string) (FoodStatus, error) {
	s := FoodStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown food status %q", v)
	}
	return s, nil
}

// HasVolunteer reports whether an item in this status carries an assigned volunteer.
func (s FoodStatus) HasVolunteer() bool {
	return s == StatusAssigned || s == StatusPickedUp || s == StatusDelivered
}

// CanTransition is the single source of allowed status moves.
// pending -> assigned is only taken by batch accept.
func CanTransition(from, to FoodStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidState for any move not in the table.
func CheckTransition(from, to FoodStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return nil
}

// PhaseDone reports whether the handoff for purpose p is already complete.
func (s FoodStatus) PhaseDone(p CodePurpose) bool {
	switch p {
	case PurposePickup:
		return s == StatusPickedUp || s == StatusDelivered
	case PurposeDelivery:
		return s == StatusDelivered
	}
	return false
}

// PhaseStart is the status an item must be in to begin the handoff for p.
func PhaseStart(p CodePurpose) FoodStatus {
	if p == PurposeDelivery {
		return StatusPickedUp
	}
	return StatusAssigned
}

// PhaseEnd is the status an item moves to once the handoff for p is verified.
func PhaseEnd(p CodePurpose) FoodStatus {
	if p == PurposeDelivery {
		return StatusDelivered
	}
	return StatusPickedUp
}

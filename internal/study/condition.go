// Package study defines the incentive condition assigned to a participant
// and the payout rule each condition applies at settlement.
package study

import "fmt"

// Points bounds and fixed stakes. A settlement never moves the balance
// outside [MinPoints, MaxPoints].
const (
	MinPoints = 0
	MaxPoints = 1200

	ControlEarn = 10
	DepositEarn = 10
	DepositLose = 40

	// FlexMinStake and FlexMaxStake bound the user-chosen stakes of the
	// flexible condition.
	FlexMinStake = 0
	FlexMaxStake = 60
)

// Kind identifies the incentive scheme.
type Kind string

const (
	Control  Kind = "control"
	Deposit  Kind = "deposit"
	Flexible Kind = "flexible"
)

// Condition is the incentive scheme for one participant. Earn and Lose are
// only meaningful for the flexible kind; the other kinds use the fixed
// constants above. Locked is set once a settlement has used a flexible
// condition, after which the stakes may not change for the rest of the
// study.
type Condition struct {
	Kind   Kind `json:"kind"`
	Earn   int  `json:"earn,omitempty"`
	Lose   int  `json:"lose,omitempty"`
	Locked bool `json:"locked,omitempty"`
}

// NewFlexible builds a flexible condition, validating the chosen stakes.
func NewFlexible(earn, lose int) (Condition, error) {
	if earn < FlexMinStake || earn > FlexMaxStake {
		return Condition{}, fmt.Errorf("earn stake %d outside [%d, %d]", earn, FlexMinStake, FlexMaxStake)
	}
	if lose < FlexMinStake || lose > FlexMaxStake {
		return Condition{}, fmt.Errorf("lose stake %d outside [%d, %d]", lose, FlexMinStake, FlexMaxStake)
	}
	return Condition{Kind: Flexible, Earn: earn, Lose: lose}, nil
}

// Valid reports whether the condition is one of the known kinds with
// stakes in range.
func (c Condition) Valid() bool {
	switch c.Kind {
	case Control, Deposit:
		return true
	case Flexible:
		return c.Earn >= FlexMinStake && c.Earn <= FlexMaxStake &&
			c.Lose >= FlexMinStake && c.Lose <= FlexMaxStake
	}
	return false
}

// Delta returns the points change for one settlement outcome. The switch is
// exhaustive over the known kinds; an unknown kind yields no change.
func (c Condition) Delta(goalReached bool) int {
	switch c.Kind {
	case Control:
		if goalReached {
			return ControlEarn
		}
		return 0
	case Deposit:
		if goalReached {
			return DepositEarn
		}
		return -DepositLose
	case Flexible:
		if goalReached {
			return c.Earn
		}
		return -c.Lose
	}
	return 0
}

// Clamp bounds a balance into [MinPoints, MaxPoints].
func Clamp(balance int) int {
	if balance < MinPoints {
		return MinPoints
	}
	if balance > MaxPoints {
		return MaxPoints
	}
	return balance
}

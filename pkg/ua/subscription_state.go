package ua

import (
	"strings"

	"github.com/qmuntal/stateless"
)

// SubState состояние подписки (RFC 6665).
type SubState string

const (
	SubInit       SubState = "init"
	SubPending    SubState = "pending"
	SubActive     SubState = "active"
	SubTerminated SubState = "terminated"
)

const (
	triggerPending   = "pending"
	triggerActive    = "active"
	triggerTerminate = "terminate"
)

type subscriptionState struct {
	sm *stateless.StateMachine
}

func newSubscriptionState() *subscriptionState {
	sm := stateless.NewStateMachine(SubInit)
	sm.Configure(SubInit).
		Permit(triggerPending, SubPending).
		Permit(triggerActive, SubActive).
		Permit(triggerTerminate, SubTerminated)
	sm.Configure(SubPending).
		Ignore(triggerPending).
		Permit(triggerActive, SubActive).
		Permit(triggerTerminate, SubTerminated)
	sm.Configure(SubActive).
		Ignore(triggerActive).
		Permit(triggerPending, SubPending).
		Permit(triggerTerminate, SubTerminated)
	sm.Configure(SubTerminated).
		Ignore(triggerPending).
		Ignore(triggerActive).
		Ignore(triggerTerminate)
	return &subscriptionState{sm: sm}
}

func (s *subscriptionState) State() SubState {
	return s.sm.MustState().(SubState)
}

func (s *subscriptionState) fire(trigger string) {
	_ = s.sm.Fire(trigger)
}

// apply переводит подписку по значению Subscription-State.
// Неизвестные значения трактуются как active (RFC 6665 §4.1.3).
func (s *subscriptionState) apply(value string) {
	switch strings.ToLower(value) {
	case "pending":
		s.fire(triggerPending)
	case "terminated":
		s.fire(triggerTerminate)
	default:
		s.fire(triggerActive)
	}
}

func (s *subscriptionState) terminated() bool {
	return s.State() == SubTerminated
}

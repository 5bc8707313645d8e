package models

import "github.com/google/uuid"

// BookingRole is the relationship of an actor to a specific booking
type BookingRole string

const (
	RoleNone      BookingRole = "none"
	RoleRequester BookingRole = "requester"
	RoleProvider  BookingRole = "provider"
	RoleSystem    BookingRole = "system" // sweeper and gateway reconciliation
)

// Capability is a protected booking operation
type Capability string

const (
	CapabilityView         Capability = "view"
	CapabilityPay          Capability = "pay"
	CapabilityCancel       Capability = "cancel"
	CapabilityStartSession Capability = "start_session"
	CapabilityIssueOTP     Capability = "issue_completion_otp"
	CapabilityComplete     Capability = "complete"
	CapabilityConfirmPaid  Capability = "confirm_payment"
	CapabilitySweep        Capability = "sweep"
	CapabilityViewChat     Capability = "view_chat"
)

// capabilityAllowList is the explicit allow-list per capability
var capabilityAllowList = map[Capability][]BookingRole{
	CapabilityView:         {RoleRequester, RoleProvider},
	CapabilityPay:          {RoleRequester},
	CapabilityCancel:       {RoleRequester, RoleProvider},
	CapabilityStartSession: {RoleRequester, RoleProvider},
	CapabilityIssueOTP:     {RoleProvider},
	CapabilityComplete:     {RoleRequester},
	CapabilityConfirmPaid:  {RoleSystem},
	CapabilitySweep:        {RoleSystem},
	CapabilityViewChat:     {RoleRequester, RoleProvider},
}

// SystemActorID acts for the sweeper and gateway reconciliation. Access
// tokens never carry it.
var SystemActorID = uuid.Nil

// RoleOf derives the actor's role on the booking
func RoleOf(b *Booking, actorID uuid.UUID) BookingRole {
	switch actorID {
	case SystemActorID:
		return RoleSystem
	case b.RequesterID:
		return RoleRequester
	case b.ProviderID:
		return RoleProvider
	default:
		return RoleNone
	}
}

// Allowed reports whether role may exercise capability
func Allowed(capability Capability, role BookingRole) bool {
	for _, r := range capabilityAllowList[capability] {
		if r == role {
			return true
		}
	}
	return false
}

// Platform roles carried in access tokens
const (
	PlatformRoleUser  = "user"
	PlatformRoleAdmin = "admin"
)

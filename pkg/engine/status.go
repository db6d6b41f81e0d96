package engine

import (
	"encoding/json"
	"fmt"
)

// ApplyStatus represents the overall result of applying a plan.
type ApplyStatus string

const (
	// ApplyStatusConverged indicates every operation succeeded.
	ApplyStatusConverged ApplyStatus = "converged"

	// ApplyStatusPartiallyApplied indicates a non-empty prefix succeeded before a halt.
	ApplyStatusPartiallyApplied ApplyStatus = "partially_applied"

	// ApplyStatusFailed indicates the plan halted before any operation succeeded.
	ApplyStatusFailed ApplyStatus = "failed"

	// ApplyStatusDryRun indicates the plan was validated but not executed.
	ApplyStatusDryRun ApplyStatus = "dry_run"
)

// IsSuccess returns true when the system is known to match the plan's target.
func (s ApplyStatus) IsSuccess() bool {
	return s == ApplyStatusConverged || s == ApplyStatusDryRun
}

// Validate checks if the apply status is valid.
func (s ApplyStatus) Validate() error {
	switch s {
	case ApplyStatusConverged, ApplyStatusPartiallyApplied, ApplyStatusFailed, ApplyStatusDryRun:
		return nil
	default:
		return fmt.Errorf("invalid apply status: %s", s)
	}
}

// Outcome is the final result of one operation within an apply.
type Outcome string

const (
	// OutcomeSuccess indicates the backend accepted the operation.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed indicates the operation failed after all allowed attempts.
	OutcomeFailed Outcome = "failed"

	// OutcomeNotAttempted indicates the plan halted before this operation.
	OutcomeNotAttempted Outcome = "not_attempted"

	// OutcomeCancelled marks the ledger entry written when an apply is cancelled.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeDryRun indicates the operation was validated in dry-run mode only.
	OutcomeDryRun Outcome = "dry_run"
)

// IsTerminal returns true if the outcome is final for a ledger entry.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailed || o == OutcomeCancelled
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeNotAttempted, OutcomeCancelled, OutcomeDryRun:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// OperationKind classifies a change operation.
type OperationKind string

const (
	// OperationCreate adds a new entity (service, VLAN, bond, location, profile).
	OperationCreate OperationKind = "create"

	// OperationUpdate changes a setting of an existing entity.
	OperationUpdate OperationKind = "update"

	// OperationDelete removes an entity.
	OperationDelete OperationKind = "delete"

	// OperationEnable turns an entity on.
	OperationEnable OperationKind = "enable"

	// OperationDisable turns an entity off.
	OperationDisable OperationKind = "disable"

	// OperationSwitch makes a location current.
	OperationSwitch OperationKind = "switch"

	// OperationReorder changes service precedence.
	OperationReorder OperationKind = "reorder"

	// OperationCancel is used only for the ledger record of a cancelled apply.
	OperationCancel OperationKind = "cancel"
)

// IsDestructive returns true if the operation removes configuration.
func (o OperationKind) IsDestructive() bool {
	return o == OperationDelete || o == OperationDisable
}

// Validate checks if the operation kind is valid.
func (o OperationKind) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationEnable,
		OperationDisable, OperationSwitch, OperationReorder, OperationCancel:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", o)
	}
}

// Phase groups operations into the coarse order the diff engine emits.
type Phase string

const (
	PhaseLocation   Phase = "location"
	PhaseHardware   Phase = "hardware"
	PhaseStructure  Phase = "structure"
	PhaseEnable     Phase = "enable"
	PhaseAddressing Phase = "addressing"
	PhaseSettings   Phase = "settings"
	PhaseOrder      Phase = "order"
	PhaseTeardown   Phase = "teardown"
)

var phaseRank = map[Phase]int{
	PhaseLocation:   0,
	PhaseHardware:   1,
	PhaseStructure:  2,
	PhaseEnable:     3,
	PhaseAddressing: 4,
	PhaseSettings:   5,
	PhaseOrder:      6,
	PhaseTeardown:   7,
}

// Rank returns the phase's position in the emission order.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return len(phaseRank)
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	if _, ok := phaseRank[p]; !ok {
		return fmt.Errorf("invalid phase: %s", p)
	}
	return nil
}

// EntityStatus marks whether the inspector could read an entity.
type EntityStatus string

const (
	// EntityKnown means every detail read for the entity succeeded.
	EntityKnown EntityStatus = "known"

	// EntityUnknown means at least one detail read failed; fields may be zero.
	EntityUnknown EntityStatus = "unknown"
)

// Presence selects whether an entity should exist.
type Presence string

const (
	PresencePresent Presence = "present"
	PresenceAbsent  Presence = "absent"
)

// IsAbsent treats the zero value as present.
func (p Presence) IsAbsent() bool {
	return p == PresenceAbsent
}

// IPv4Mode is the IPv4 addressing method of a network service.
type IPv4Mode string

const (
	IPv4Manual               IPv4Mode = "manual"
	IPv4DHCP                 IPv4Mode = "dhcp"
	IPv4BootP                IPv4Mode = "bootp"
	IPv4ManualWithDHCPRouter IPv4Mode = "manual_with_dhcp_router"
	IPv4Off                  IPv4Mode = "off"
)

// Validate checks if the mode is valid.
func (m IPv4Mode) Validate() error {
	switch m {
	case IPv4Manual, IPv4DHCP, IPv4BootP, IPv4ManualWithDHCPRouter, IPv4Off:
		return nil
	default:
		return fmt.Errorf("invalid ipv4 mode: %s", m)
	}
}

// UnmarshalJSON rejects unknown modes at decode time. The empty mode is
// kept for entities whose state could not be read.
func (m *IPv4Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mode := IPv4Mode(s)
	if mode == "" {
		*m = mode
		return nil
	}
	if err := mode.Validate(); err != nil {
		return err
	}
	*m = mode
	return nil
}

// IPv6Mode is the IPv6 addressing method of a network service.
type IPv6Mode string

const (
	IPv6Off       IPv6Mode = "off"
	IPv6Automatic IPv6Mode = "automatic"
	IPv6LinkLocal IPv6Mode = "link_local"
	IPv6Manual    IPv6Mode = "manual"
)

// Validate checks if the mode is valid.
func (m IPv6Mode) Validate() error {
	switch m {
	case IPv6Off, IPv6Automatic, IPv6LinkLocal, IPv6Manual:
		return nil
	default:
		return fmt.Errorf("invalid ipv6 mode: %s", m)
	}
}

// UnmarshalJSON rejects unknown modes at decode time.
func (m *IPv6Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mode := IPv6Mode(s)
	if mode == "" {
		*m = mode
		return nil
	}
	if err := mode.Validate(); err != nil {
		return err
	}
	*m = mode
	return nil
}

// ProfileScope is the scope of an 802.1X profile.
type ProfileScope string

const (
	ProfileScopeSystem ProfileScope = "system"
	ProfileScopeLogin  ProfileScope = "login"
	ProfileScopeUser   ProfileScope = "user"
)

// Validate checks if the scope is valid.
func (s ProfileScope) Validate() error {
	switch s {
	case ProfileScopeSystem, ProfileScopeLogin, ProfileScopeUser:
		return nil
	default:
		return fmt.Errorf("invalid profile scope: %s", s)
	}
}

// ProxyKind names one of the per-service proxy protocols.
type ProxyKind string

const (
	ProxyWeb       ProxyKind = "web"
	ProxySecureWeb ProxyKind = "secure_web"
	ProxySOCKS     ProxyKind = "socks"
)

// ProxyKinds lists the protocols in the order they are compared and applied.
var ProxyKinds = []ProxyKind{ProxyWeb, ProxySecureWeb, ProxySOCKS}

package models

import (
	"fmt"
	"time"
)

// Role is fixed at registration.
type Role string

const (
	RoleEvacuee   Role = "evacuee"
	RoleVolunteer Role = "volunteer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleEvacuee || r == RoleVolunteer
}

// Status is the lifecycle state of a user record. Evacuees and volunteers use
// disjoint sets of values.
type Status string

const (
	StatusSafe            Status = "safe"
	StatusWaitingForHelp  Status = "waiting_for_help"
	StatusHelpComing      Status = "help_coming"
	StatusHelped          Status = "helped"
	StatusRequestCanceled Status = "request_canceled"

	StatusIdle    Status = "idle"
	StatusHelping Status = "helping"
)

// AllStatuses lists every status of both roles.
var AllStatuses = []Status{
	StatusSafe, StatusWaitingForHelp, StatusHelpComing, StatusHelped, StatusRequestCanceled,
	StatusIdle, StatusHelping,
}

// NeedsHelp reports whether an evacuee in status s has an active request.
func (s Status) NeedsHelp() bool {
	return s == StatusWaitingForHelp || s == StatusHelpComing
}

// HelpCategory describes the kind of help requested.
type HelpCategory string

const (
	CategoryMedical    HelpCategory = "medical"
	CategoryEvacuation HelpCategory = "evacuation"
	CategorySupplies   HelpCategory = "supplies"
	CategoryShelter    HelpCategory = "shelter"
	CategoryOther      HelpCategory = "other"
)

// Valid reports whether c is a known category.
func (c HelpCategory) Valid() bool {
	switch c {
	case CategoryMedical, CategoryEvacuation, CategorySupplies, CategoryShelter, CategoryOther:
		return true
	}
	return false
}

// Location is a device fix. Most recent write wins.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// AssignedVolunteer is the evacuee-side half of an assignment.
type AssignedVolunteer struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Location          *Location `json:"location,omitempty"`
	LastKnownLocation *Location `json:"lastKnownLocation,omitempty"`
	AssignedAt        time.Time `json:"assignedAt"`
}

// LastHelpedBy records the volunteer that completed the most recent request.
type LastHelpedBy struct {
	ID          string    `json:"id"`
	CompletedAt time.Time `json:"completedAt"`
}

// User is the single record type of the store. Field names are the canonical
// schema every storage binding preserves.
type User struct {
	ID                string             `json:"id"`
	Email             string             `json:"email"`
	Role              Role               `json:"role"`
	Status            Status             `json:"status"`
	NeedsHelp         bool               `json:"needsHelp"`
	Location          *Location          `json:"location,omitempty"`
	LastKnownLocation *Location          `json:"lastKnownLocation,omitempty"`
	HelpCategory      HelpCategory       `json:"helpCategory,omitempty"`
	PeopleCount       int                `json:"peopleCount,omitempty"`
	AdditionalDetails string             `json:"additionalDetails,omitempty"`
	RequestTimestamp  *time.Time         `json:"requestTimestamp,omitempty"`
	AssignedVolunteer *AssignedVolunteer `json:"assignedVolunteer,omitempty"`
	LastHelpedBy      *LastHelpedBy      `json:"lastHelpedBy,omitempty"`
	CurrentlyHelping  string             `json:"currentlyHelping,omitempty"`
	TotalHelped       int                `json:"totalHelped"`
	CreatedAt         time.Time          `json:"createdAt"`
	// Version is managed by the store and increases on every committed write.
	Version int64 `json:"version"`
}

// NewUser builds the baseline record written at registration.
func NewUser(id, email string, role Role, now time.Time) *User {
	u := &User{ID: id, Email: email, Role: role, CreatedAt: now.UTC()}
	if role == RoleVolunteer {
		u.Status = StatusIdle
	} else {
		u.Status = StatusSafe
	}
	return u
}

// IsEvacuee reports whether u belongs to an evacuee.
func (u *User) IsEvacuee() bool { return u != nil && u.Role == RoleEvacuee }

// IsVolunteer reports whether u belongs to a volunteer.
func (u *User) IsVolunteer() bool { return u != nil && u.Role == RoleVolunteer }

// Clone returns a deep copy so that records handed out by the store are never shared.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Location = cloneLocation(u.Location)
	c.LastKnownLocation = cloneLocation(u.LastKnownLocation)
	if u.RequestTimestamp != nil {
		ts := *u.RequestTimestamp
		c.RequestTimestamp = &ts
	}
	if u.AssignedVolunteer != nil {
		av := *u.AssignedVolunteer
		av.Location = cloneLocation(u.AssignedVolunteer.Location)
		av.LastKnownLocation = cloneLocation(u.AssignedVolunteer.LastKnownLocation)
		c.AssignedVolunteer = &av
	}
	if u.LastHelpedBy != nil {
		lh := *u.LastHelpedBy
		c.LastHelpedBy = &lh
	}
	return &c
}

func cloneLocation(l *Location) *Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// CheckInvariants validates the single-record invariants of the data model.
// Cross-record consistency of an assignment is checked by CheckPair.
func (u *User) CheckInvariants() error {
	if u == nil {
		return fmt.Errorf("nil user")
	}
	switch u.Role {
	case RoleEvacuee:
		switch u.Status {
		case StatusSafe, StatusWaitingForHelp, StatusHelpComing, StatusHelped, StatusRequestCanceled:
		default:
			return fmt.Errorf("evacuee %s: invalid status %q", u.ID, u.Status)
		}
		if u.NeedsHelp != u.Status.NeedsHelp() {
			return fmt.Errorf("evacuee %s: needsHelp=%v with status %s", u.ID, u.NeedsHelp, u.Status)
		}
		if (u.AssignedVolunteer != nil) != (u.Status == StatusHelpComing) {
			return fmt.Errorf("evacuee %s: assignedVolunteer present=%v with status %s", u.ID, u.AssignedVolunteer != nil, u.Status)
		}
		if u.Status.NeedsHelp() && u.PeopleCount < 1 {
			return fmt.Errorf("evacuee %s: peopleCount %d", u.ID, u.PeopleCount)
		}
		if u.CurrentlyHelping != "" {
			return fmt.Errorf("evacuee %s: currentlyHelping set", u.ID)
		}
	case RoleVolunteer:
		switch u.Status {
		case StatusIdle, StatusHelping:
		default:
			return fmt.Errorf("volunteer %s: invalid status %q", u.ID, u.Status)
		}
		if (u.CurrentlyHelping != "") != (u.Status == StatusHelping) {
			return fmt.Errorf("volunteer %s: currentlyHelping=%q with status %s", u.ID, u.CurrentlyHelping, u.Status)
		}
		if u.NeedsHelp || u.AssignedVolunteer != nil {
			return fmt.Errorf("volunteer %s: evacuee-only fields set", u.ID)
		}
		if u.TotalHelped < 0 {
			return fmt.Errorf("volunteer %s: totalHelped %d", u.ID, u.TotalHelped)
		}
	default:
		return fmt.Errorf("user %s: invalid role %q", u.ID, u.Role)
	}
	if u.Location != nil && u.Location.Accuracy < 0 {
		return fmt.Errorf("user %s: negative accuracy", u.ID)
	}
	return nil
}

// CheckPair validates that an evacuee and a volunteer record agree about an
// assignment: either both reference each other or neither references the other.
func CheckPair(evacuee, volunteer *User) error {
	evRefs := evacuee.AssignedVolunteer != nil && evacuee.AssignedVolunteer.ID == volunteer.ID
	volRefs := volunteer.CurrentlyHelping == evacuee.ID
	if evRefs != volRefs {
		return fmt.Errorf("assignment %s<->%s is one-sided (evacuee=%v volunteer=%v)", evacuee.ID, volunteer.ID, evRefs, volRefs)
	}
	return nil
}

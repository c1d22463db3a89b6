package models

import (
	"testing"
	"time"
)

func TestNewUser_Baseline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewUser("e1", "e1@example.com", RoleEvacuee, now)
	if ev.Status != StatusSafe || ev.NeedsHelp || ev.TotalHelped != 0 {
		t.Fatalf("unexpected evacuee baseline: %+v", ev)
	}
	vol := NewUser("v1", "v1@example.com", RoleVolunteer, now)
	if vol.Status != StatusIdle || vol.CurrentlyHelping != "" {
		t.Fatalf("unexpected volunteer baseline: %+v", vol)
	}
	if err := ev.CheckInvariants(); err != nil {
		t.Fatalf("evacuee invariants: %v", err)
	}
	if err := vol.CheckInvariants(); err != nil {
		t.Fatalf("volunteer invariants: %v", err)
	}
}

func TestCheckInvariants_NeedsHelpMismatch(t *testing.T) {
	u := NewUser("e1", "", RoleEvacuee, time.Now())
	u.Status = StatusWaitingForHelp
	u.PeopleCount = 1
	if err := u.CheckInvariants(); err == nil {
		t.Fatalf("expected needsHelp mismatch to be reported")
	}
	u.NeedsHelp = true
	if err := u.CheckInvariants(); err != nil {
		t.Fatalf("consistent record rejected: %v", err)
	}
}

func TestCheckInvariants_VolunteerHelpingWithoutTarget(t *testing.T) {
	u := NewUser("v1", "", RoleVolunteer, time.Now())
	u.Status = StatusHelping
	if err := u.CheckInvariants(); err == nil {
		t.Fatalf("expected helping without currentlyHelping to be reported")
	}
}

func TestClone_IsDeep(t *testing.T) {
	ts := time.Now()
	u := &User{
		ID:                "e1",
		Location:          &Location{Lat: 1, Lng: 2},
		RequestTimestamp:  &ts,
		AssignedVolunteer: &AssignedVolunteer{ID: "v1", Location: &Location{Lat: 3}},
	}
	c := u.Clone()
	c.Location.Lat = 9
	c.AssignedVolunteer.Location.Lat = 9
	c.AssignedVolunteer.ID = "v2"
	if u.Location.Lat != 1 || u.AssignedVolunteer.Location.Lat != 3 || u.AssignedVolunteer.ID != "v1" {
		t.Fatalf("clone shares state with original: %+v", u)
	}
}

func TestCheckPair(t *testing.T) {
	ev := &User{ID: "e1", AssignedVolunteer: &AssignedVolunteer{ID: "v1"}}
	vol := &User{ID: "v1", CurrentlyHelping: "e1"}
	if err := CheckPair(ev, vol); err != nil {
		t.Fatalf("consistent pair rejected: %v", err)
	}
	vol.CurrentlyHelping = ""
	if err := CheckPair(ev, vol); err == nil {
		t.Fatalf("one-sided pair accepted")
	}
}

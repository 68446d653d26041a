package models

import "time"

type AuditEntry struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name"`
	Action     string    `json:"action"`
	TargetID   *string   `json:"target_id,omitempty"`
	TargetName *string   `json:"target_name,omitempty"`
	TargetType *string   `json:"target_type,omitempty"`
	Details    string    `json:"details"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AuditFilter constrains an audit page query. Zero fields are not applied.
type AuditFilter struct {
	ActorID    string     `json:"actor_id,omitempty"`
	Action     string     `json:"action,omitempty"`
	TargetType string     `json:"target_type,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
}

func (f AuditFilter) IsZero() bool {
	return f.ActorID == "" && f.Action == "" && f.TargetType == "" && f.TargetID == "" &&
		f.Since == nil && f.Until == nil
}

// Matches reports whether e passes the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.TargetType != "" && (e.TargetType == nil || *e.TargetType != f.TargetType) {
		return false
	}
	if f.TargetID != "" && (e.TargetID == nil || *e.TargetID != f.TargetID) {
		return false
	}
	if f.Since != nil && e.OccurredAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.OccurredAt.Before(*f.Until) {
		return false
	}
	return true
}

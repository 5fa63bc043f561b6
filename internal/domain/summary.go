package domain

import "time"

// wireTimeFormat is the exact UTC timestamp layout spec §3/§6 require
// on ExposureSummary.RequestedTime and EventRecord.EventTimestamp:
// "yyyy-MM-dd HH:mm:ss.SSSX". Go's reference layout for that pattern.
const wireTimeFormat = "2006-01-02 15:04:05.000Z07:00"

// FormatWireTime renders t (converted to UTC) in the wire format
// shared by exposure summaries and tracked events.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(wireTimeFormat)
}

// ExposureSummary records that the client observed a particular
// variation of an experience. Required fields per spec §3:
// ExperienceID, ConfigID, VariationID, Version — validated with
// struct tags instead of hand-rolled if-checks, the way the teacher
// validates webhook/config payloads with go-playground/validator.
type ExposureSummary struct {
	ConfigID        string `json:"config_id" validate:"required"`
	Version         string `json:"version" validate:"required"`
	UserID          string `json:"user_id,omitempty"`
	RequestedTime   string `json:"requested_time"`
	VariationID     string `json:"variation_id" validate:"required"`
	UserCustomerID  string `json:"user_customer_id,omitempty"`
	SessionID       string `json:"session_id"`
	BehaviourID     string `json:"behaviour_id,omitempty"`
	ExperienceID    string `json:"experience_id" validate:"required"`
	RuleID          string `json:"rule_id,omitempty"`
}

// NewExposureSummary builds an ExposureSummary from a FlagRecord's
// metadata at read time (spec §4.4/§4.5).
func NewExposureSummary(rec FlagRecord, user *CFUser, sessionID string, now time.Time) ExposureSummary {
	s := ExposureSummary{
		ConfigID:      rec.ConfigID,
		Version:       rec.Version,
		VariationID:   rec.VariationID,
		SessionID:     sessionID,
		BehaviourID:   rec.BehaviourID,
		ExperienceID:  rec.ExperienceID,
		RuleID:        rec.RuleID,
		RequestedTime: FormatWireTime(now),
	}
	if rec.UserID != "" {
		s.UserID = rec.UserID
	}
	if user != nil {
		s.UserCustomerID = user.CustomerID
	}
	return s
}

// EventType enumerates the single event kind the control plane
// accepts today (spec §3).
type EventType string

const EventTypeTrack EventType = "TRACK"

// EventRecord is a single tracked host event.
type EventRecord struct {
	EventCustomerID string         `json:"event_customer_id" validate:"required"`
	EventType       EventType      `json:"event_type" validate:"required"`
	Properties      map[string]any `json:"properties,omitempty"`
	EventTimestamp  string         `json:"event_timestamp"`
	SessionID       string         `json:"session_id"`
	InsertID        string         `json:"insert_id" validate:"required"`
}

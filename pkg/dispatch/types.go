// Package dispatch contains the public contracts and domain models for the
// notification dispatch service.
package dispatch

import "time"

// Fixed topics used by the templated endpoints.
const (
	TopicGeneralAnnouncements = "general_announcements"
	TopicRouteUpdates         = "route_updates"
	TopicScheduleChanges      = "schedule_changes"
)

// Kind identifies which endpoint built an envelope.
type Kind string

const (
	KindBroadcast      Kind = "broadcast"
	KindTopic          Kind = "topic"
	KindUser           Kind = "user"
	KindRouteUpdate    Kind = "route_update"
	KindScheduleChange Kind = "schedule_change"
)

// Caller is the authenticated identity behind an invocation.
// A nil *Caller means the request was not authenticated.
type Caller struct {
	UID string
}

// BroadcastRequest is sent to every subscriber of the general announcements topic.
type BroadcastRequest struct {
	Title string         `json:"title" validate:"required"`
	Body  string         `json:"body" validate:"required"`
	Type  string         `json:"type,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// TopicRequest targets a caller-supplied topic.
type TopicRequest struct {
	Title string         `json:"title" validate:"required"`
	Body  string         `json:"body" validate:"required"`
	Topic string         `json:"topic" validate:"required"`
	Type  string         `json:"type,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// UserRequest targets the single device registered for a user.
type UserRequest struct {
	Title  string         `json:"title" validate:"required"`
	Body   string         `json:"body" validate:"required"`
	UserID string         `json:"userId" validate:"required"`
	Type   string         `json:"type,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// RouteUpdateRequest announces a change to a route on the route updates topic.
// AffectedRoutes holds route IDs as sent, numeric or string.
type RouteUpdateRequest struct {
	RouteName      string `json:"routeName" validate:"required"`
	UpdateMessage  string `json:"updateMessage" validate:"required"`
	AffectedRoutes []any  `json:"affectedRoutes,omitempty"`
}

// ScheduleChangeRequest announces a timetable change on the schedule changes topic.
// EffectiveDate is passed through verbatim; when empty the current time is used.
type ScheduleChangeRequest struct {
	Title           string `json:"title" validate:"required"`
	ScheduleDetails string `json:"scheduleDetails" validate:"required"`
	EffectiveDate   string `json:"effectiveDate,omitempty"`
}

// Destination holds exactly one of Topic or Token.
type Destination struct {
	Topic string
	Token string
}

// Envelope is the normalized payload handed to the Messenger.
type Envelope struct {
	Title       string
	Body        string
	Data        map[string]string
	Destination Destination
}

// TokenRecord is a user's device registration.
type TokenRecord struct {
	UserID    string
	Token     string
	UpdatedAt time.Time
}

// DispatchResult is returned to the caller after a successful send.
type DispatchResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

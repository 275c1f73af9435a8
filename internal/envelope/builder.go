// Package envelope maps dispatch requests onto the normalized envelope that
// the messaging gateway sends. FCM only accepts string-valued data, so every
// metadata value is stringified here.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

// DefaultType is used for the "type" metadata key when a request leaves it empty.
const DefaultType = "general"

// TimestampLayout renders UTC instants with millisecond precision, e.g. 2025-03-01T08:00:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Builder builds envelopes. It holds no state besides its clock.
type Builder struct {
	now func() time.Time
}

// NewBuilder returns a Builder using now for the timestamp metadata.
// A nil now falls back to time.Now.
func NewBuilder(now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{now: now}
}

func (b *Builder) Broadcast(req dispatch.BroadcastRequest) dispatch.Envelope {
	return b.general(req.Title, req.Body, req.Type, req.Data, dispatch.Destination{Topic: dispatch.TopicGeneralAnnouncements})
}

func (b *Builder) Topic(req dispatch.TopicRequest) dispatch.Envelope {
	return b.general(req.Title, req.Body, req.Type, req.Data, dispatch.Destination{Topic: req.Topic})
}

// User addresses the envelope to a single device token resolved by the caller.
func (b *Builder) User(req dispatch.UserRequest, token string) dispatch.Envelope {
	return b.general(req.Title, req.Body, req.Type, req.Data, dispatch.Destination{Token: token})
}

func (b *Builder) RouteUpdate(req dispatch.RouteUpdateRequest) dispatch.Envelope {
	routes := req.AffectedRoutes
	if routes == nil {
		routes = []any{}
	}
	return dispatch.Envelope{
		Title: "Route Update: " + req.RouteName,
		Body:  req.UpdateMessage,
		Data: map[string]string{
			"type":           string(dispatch.KindRouteUpdate),
			"routeName":      req.RouteName,
			"affectedRoutes": stringify(routes),
			"timestamp":      b.timestamp(),
		},
		Destination: dispatch.Destination{Topic: dispatch.TopicRouteUpdates},
	}
}

func (b *Builder) ScheduleChange(req dispatch.ScheduleChangeRequest) dispatch.Envelope {
	ts := b.timestamp()
	effective := req.EffectiveDate
	if effective == "" {
		effective = ts
	}
	return dispatch.Envelope{
		Title: req.Title,
		Body:  req.ScheduleDetails,
		Data: map[string]string{
			"type":            string(dispatch.KindScheduleChange),
			"scheduleDetails": req.ScheduleDetails,
			"effectiveDate":   effective,
			"timestamp":       ts,
		},
		Destination: dispatch.Destination{Topic: dispatch.TopicScheduleChanges},
	}
}

// general covers the broadcast, topic and user variants. Caller-supplied
// data is merged last and may override type and timestamp.
func (b *Builder) general(title, body, typ string, extra map[string]any, dest dispatch.Destination) dispatch.Envelope {
	if typ == "" {
		typ = DefaultType
	}
	data := make(map[string]string, len(extra)+2)
	data["type"] = typ
	data["timestamp"] = b.timestamp()
	for k, v := range extra {
		data[k] = stringify(v)
	}
	return dispatch.Envelope{
		Title:       title,
		Body:        body,
		Data:        data,
		Destination: dest,
	}
}

func (b *Builder) timestamp() string {
	return b.now().UTC().Format(TimestampLayout)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

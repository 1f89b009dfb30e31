// Package notification decodes the change events a container's blob store
// publishes to subscribed devices.
//
// Devices receive a push payload whose "aps.alert" string holds a storage
// event message: {"Records": [{"eventName": "ObjectCreated:Put", ...}]}.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bleepstore/rfstore/internal/record"
)

// ErrNoMessage is returned for a push payload without an alert string.
var ErrNoMessage = errors.New("notification: payload has no alert message")

// Reason is the kind of change an event describes.
type Reason int

const (
	Unknown Reason = iota
	Created
	Removed
)

func (r Reason) String() string {
	switch r {
	case Created:
		return "created"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// MarshalText renders the reason by name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ReasonFor maps a storage event name to a Reason.
func ReasonFor(eventName string) Reason {
	switch {
	case strings.HasPrefix(eventName, "ObjectCreated"):
		return Created
	case strings.HasPrefix(eventName, "ObjectRemoved"):
		return Removed
	}
	return Unknown
}

// Message is one storage event message.
type Message struct {
	Records []Event `json:"Records"`
}

// Event is a single object change.
type Event struct {
	Name      string
	Time      time.Time
	RequestID string
	Bucket    Bucket
	Object    Object
}

// Bucket names the container an event happened in.
type Bucket struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

// Object describes the changed blob. Key is already URL-decoded.
type Object struct {
	Key       string
	Size      *int64
	ETag      string
	VersionID string
	// Sequencer orders events for the same key. Compare with
	// CompareSequencers.
	Sequencer string
}

// Notification is the container-level view of an event.
type Notification struct {
	ContainerID string
	RecordID    record.ID
	Reason      Reason
	Date        time.Time
	EntityTag   string
	Sequencer   string
}

type rawEvent struct {
	EventName        string `json:"eventName"`
	EventTime        string `json:"eventTime"`
	ResponseElements struct {
		RequestID string `json:"x-amz-request-id"`
	} `json:"responseElements"`
	S3 struct {
		Bucket Bucket    `json:"bucket"`
		Object rawObject `json:"object"`
	} `json:"s3"`
}

type rawObject struct {
	Key       string `json:"key"`
	Size      *int64 `json:"size"`
	ETag      string `json:"eTag"`
	VersionID string `json:"versionId"`
	Sequencer string `json:"sequencer"`
}

// UnmarshalJSON decodes an event, parsing its time and URL-decoding its key.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.EventName == "" {
		return errors.New("notification: event has no eventName")
	}
	t, err := time.Parse(time.RFC3339Nano, raw.EventTime)
	if err != nil {
		return fmt.Errorf("notification: parsing eventTime %q: %w", raw.EventTime, err)
	}
	key, err := DecodeKey(raw.S3.Object.Key)
	if err != nil {
		return err
	}

	*e = Event{
		Name:      raw.EventName,
		Time:      t,
		RequestID: raw.ResponseElements.RequestID,
		Bucket:    raw.S3.Bucket,
		Object: Object{
			Key:       key,
			Size:      raw.S3.Object.Size,
			ETag:      record.TrimETag(raw.S3.Object.ETag),
			VersionID: raw.S3.Object.VersionID,
			Sequencer: raw.S3.Object.Sequencer,
		},
	}
	return nil
}

// DecodeKey undoes the form encoding of keys in event messages, where a
// space arrives as "+".
func DecodeKey(encoded string) (string, error) {
	key, err := url.PathUnescape(strings.ReplaceAll(encoded, "+", " "))
	if err != nil {
		return "", fmt.Errorf("notification: decoding key %q: %w", encoded, err)
	}
	return key, nil
}

// Reason returns the kind of change.
func (e Event) Reason() Reason {
	return ReasonFor(e.Name)
}

// Notification converts e to its container-level view.
func (e Event) Notification() Notification {
	return Notification{
		ContainerID: e.Bucket.Name,
		RecordID:    record.ID(e.Object.Key),
		Reason:      e.Reason(),
		Date:        e.Time,
		EntityTag:   e.Object.ETag,
		Sequencer:   e.Object.Sequencer,
	}
}

// ParseMessage decodes a storage event message.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("notification: decoding message: %w", err)
	}
	return &m, nil
}

// Parse decodes a push payload and returns the notifications it carries.
func Parse(payload []byte) ([]Notification, error) {
	var push struct {
		APS struct {
			Alert json.RawMessage `json:"alert"`
		} `json:"aps"`
	}
	if err := json.Unmarshal(payload, &push); err != nil {
		return nil, fmt.Errorf("notification: decoding payload: %w", err)
	}
	var alert string
	if len(push.APS.Alert) == 0 || json.Unmarshal(push.APS.Alert, &alert) != nil || alert == "" {
		return nil, ErrNoMessage
	}

	m, err := ParseMessage([]byte(alert))
	if err != nil {
		return nil, err
	}
	out := make([]Notification, len(m.Records))
	for i, e := range m.Records {
		out[i] = e.Notification()
	}
	return out, nil
}

// CompareSequencers orders two hex sequencers of events for the same key.
// Sequencers of different lengths are compared after left-padding the
// shorter one with zeros. An empty sequencer sorts first.
func CompareSequencers(a, b string) int {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	switch {
	case len(a) < len(b):
		a = strings.Repeat("0", len(b)-len(a)) + a
	case len(b) < len(a):
		b = strings.Repeat("0", len(a)-len(b)) + b
	}
	return strings.Compare(a, b)
}

// Coalesce keeps the latest notification of each record, by sequencer, and
// returns them ordered by container and record ID.
func Coalesce(ns []Notification) []Notification {
	type key struct {
		container string
		id        record.ID
	}
	latest := make(map[key]Notification, len(ns))
	for _, n := range ns {
		k := key{n.ContainerID, n.RecordID}
		if cur, ok := latest[k]; !ok || CompareSequencers(n.Sequencer, cur.Sequencer) > 0 {
			latest[k] = n
		}
	}
	out := make([]Notification, 0, len(latest))
	for _, n := range latest {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b Notification) int {
		if c := strings.Compare(a.ContainerID, b.ContainerID); c != 0 {
			return c
		}
		return strings.Compare(string(a.RecordID), string(b.RecordID))
	})
	return out
}

package event

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidEvent marks an upload notification whose fields violate the
// event invariants. Messages carrying such events are treated as poison.
var ErrInvalidEvent = errors.New("invalid upload event")

const (
	maxObjectSizeBytes = int64(5_000_000_000)
	maxStreamNameLen   = 200
	eventTimePast      = 7 * 24 * time.Hour
	eventTimeFuture    = 24 * time.Hour
)

var (
	bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	eTagRe       = regexp.MustCompile(`^[0-9a-fA-F]{32}(-[0-9]+)?$`)
)

// UploadEvent is one object-created record extracted from a queue
// notification. ObjectKey is kept as delivered (form-encoded); DecodedKey
// returns the real store key.
type UploadEvent struct {
	RegionHint string
	Bucket     string
	ObjectKey  string
	ObjectSize int64
	ETag       string
	Sequencer  string
	EventTime  time.Time
	RequestID  string
}

// Validate checks the event invariants against the given reference time.
// All failures wrap ErrInvalidEvent.
func (e *UploadEvent) Validate(now time.Time) error {
	if !bucketNameRe.MatchString(e.Bucket) {
		return fmt.Errorf("%w: bucket %q does not match bucket-name grammar", ErrInvalidEvent, e.Bucket)
	}
	if e.ObjectKey == "" {
		return fmt.Errorf("%w: empty object key", ErrInvalidEvent)
	}
	if err := checkKeySafety(e.ObjectKey); err != nil {
		return err
	}
	if decoded := e.DecodedKey(); decoded != e.ObjectKey {
		if err := checkKeySafety(decoded); err != nil {
			return err
		}
	}
	if e.ObjectSize < 0 || e.ObjectSize > maxObjectSizeBytes {
		return fmt.Errorf("%w: object size %d outside [0, %d]", ErrInvalidEvent, e.ObjectSize, maxObjectSizeBytes)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("%w: missing event time", ErrInvalidEvent)
	}
	if e.EventTime.Before(now.Add(-eventTimePast)) || e.EventTime.After(now.Add(eventTimeFuture)) {
		return fmt.Errorf("%w: event time %s outside [now-7d, now+1d]", ErrInvalidEvent, e.EventTime.Format(time.RFC3339))
	}
	if e.ETag != "" {
		tag := strings.Trim(e.ETag, `"`)
		if !eTagRe.MatchString(tag) {
			return fmt.Errorf("%w: malformed eTag %q", ErrInvalidEvent, e.ETag)
		}
	}
	return nil
}

func checkKeySafety(key string) error {
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: absolute object key %q", ErrInvalidEvent, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: object key %q contains a traversal segment", ErrInvalidEvent, key)
		}
	}
	return nil
}

// DecodedKey returns ObjectKey with form-style percent-decoding applied.
// Notifications encode keys with '+' for space; a key that fails to decode
// is returned verbatim.
func (e *UploadEvent) DecodedKey() string {
	if k, err := url.QueryUnescape(e.ObjectKey); err == nil {
		return k
	}
	return e.ObjectKey
}

// StreamName derives the logical upload stream from the object key: the
// path component immediately preceding the file segment, percent-decoded.
// Keys with fewer than two components, or whose derived name is empty or
// implausibly long, map to "unknown".
func (e *UploadEvent) StreamName() string {
	parts := strings.Split(e.ObjectKey, "/")
	if len(parts) < 2 {
		return "unknown"
	}
	name := parts[len(parts)-2]
	if dec, err := url.QueryUnescape(name); err == nil {
		name = dec
	}
	if name == "" || len(name) > maxStreamNameLen {
		return "unknown"
	}
	return name
}

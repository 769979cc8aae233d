package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadEnvelope marks a queue message body that is not a recognizable
// object-created notification. The receiver treats such messages as poison.
var ErrBadEnvelope = errors.New("notification envelope not recognized")

// notification mirrors the object-store event envelope. Some producers nest
// the bucket/object pair under "s3", others under "object"; both are accepted.
type notification struct {
	Records []notificationRecord `json:"Records"`
}

type notificationRecord struct {
	EventSource      string            `json:"eventSource"`
	AWSRegion        string            `json:"awsRegion"`
	EventTime        string            `json:"eventTime"`
	S3               *recordEntity     `json:"s3"`
	Object           *recordEntity     `json:"object"`
	ResponseElements map[string]string `json:"responseElements"`
}

type recordEntity struct {
	Bucket bucketInfo `json:"bucket"`
	Object objectInfo `json:"object"`
}

type bucketInfo struct {
	Name string `json:"name"`
}

type objectInfo struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	ETag      string `json:"eTag"`
	Sequencer string `json:"sequencer"`
}

// ParseNotification extracts the upload events carried by a queue message
// body. Records whose eventSource differs from expectedSource are ignored;
// if none remain the body fails with ErrBadEnvelope. Field-level invariants
// are not checked here, use UploadEvent.Validate.
func ParseNotification(body []byte, expectedSource string) ([]UploadEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if len(n.Records) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrBadEnvelope)
	}

	events := make([]UploadEvent, 0, len(n.Records))
	for _, rec := range n.Records {
		if rec.EventSource != expectedSource {
			continue
		}
		entity := rec.S3
		if entity == nil {
			entity = rec.Object
		}
		if entity == nil {
			continue
		}

		ev := UploadEvent{
			RegionHint: rec.AWSRegion,
			Bucket:     entity.Bucket.Name,
			ObjectKey:  entity.Object.Key,
			ObjectSize: entity.Object.Size,
			ETag:       entity.Object.ETag,
			Sequencer:  entity.Object.Sequencer,
			RequestID:  rec.ResponseElements["x-amz-request-id"],
		}
		if rec.EventTime != "" {
			if ts, err := time.Parse(time.RFC3339, rec.EventTime); err == nil {
				ev.EventTime = ts
			}
		}
		events = append(events, ev)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no records from event source %q", ErrBadEnvelope, expectedSource)
	}
	return events, nil
}

// Package envelope appends and reads the "queue" ETL stage on a message's
// JSON body (spec.md §6: "every stored message has an etl attribute that is
// a list of stages... the last such entry is authoritative"). It edits the
// raw JSON text in place with tidwall/gjson and tidwall/sjson rather than
// unmarshalling the whole (opaque, caller-defined) document, since the
// broker never needs to understand any field but its own stage.
package envelope

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// QueueStage is the broker's own ETL stage, appended to message.etl on push
// and read back by the flush packer and rehydration.
type QueueStage struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
	DateTime  string `json:"date/time"`
	Serial    int64  `json:"serial"`
}

// Append adds a new {"queue": QueueStage} entry to the end of the message's
// etl array, creating the array if absent, and returns the rewritten JSON
// text. Producers may have already supplied prior etl stages (per spec,
// "the broker never rewrites them").
func Append(content string, stage QueueStage) (string, error) {
	out, err := sjson.Set(content, "etl.-1", map[string]interface{}{
		"queue": map[string]interface{}{
			"url":       stage.URL,
			"timestamp": stage.Timestamp,
			"date/time": stage.DateTime,
			"serial":    stage.Serial,
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "append etl stage")
	}
	return out, nil
}

// LastQueueStage recovers the most recently appended queue stage from a
// message's etl array — "the last envelope identifies this queue" (§4.3).
func LastQueueStage(content string) (QueueStage, error) {
	etl := gjson.Get(content, "etl")
	if !etl.IsArray() {
		return QueueStage{}, errors.New("message has no etl array")
	}
	stages := etl.Array()
	for i := len(stages) - 1; i >= 0; i-- {
		q := stages[i].Get("queue")
		if q.Exists() {
			return QueueStage{
				URL:       q.Get("url").String(),
				Timestamp: q.Get("timestamp").Int(),
				DateTime:  q.Get("date/time").String(),
				Serial:    q.Get("serial").Int(),
			}, nil
		}
	}
	return QueueStage{}, errors.New("message has no queue etl stage")
}

// DatePath formats a unix-second timestamp as the spec's "YYYY/MM/DD"
// date-partitioned prefix (§6).
func DatePath(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("2006/01/02")
}

// FormatDateTime matches the original's Date.format() default rendering
// closely enough for the envelope's human-readable "date/time" field;
// exact format is implementation-defined per spec (not load-bearing —
// only "timestamp" and "serial" are parsed back out).
func FormatDateTime(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("2006-01-02 15:04:05")
}

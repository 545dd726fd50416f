package message

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// RunReport is published when a sync run completes, so downstream systems
// can react without polling the platform.
type RunReport struct {
	RunID       string    `json:"runId"`
	Mode        string    `json:"mode"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Failed      int       `json:"failed"`
	RecordsSent int       `json:"recordsSent"`
	CompletedAt time.Time `json:"completedAt"`
}

func (r *RunReport) String() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "marshal run report")
	}
	return string(raw), nil
}

func Parse(s string) (*RunReport, error) {
	r := &RunReport{}
	if err := json.Unmarshal([]byte(s), r); err != nil {
		return nil, errors.Wrap(err, "parse run report")
	}
	return r, nil
}

// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package account

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// The backend emits datetimes through its JSON encoder, with or
// without zone and fractional seconds depending on settings.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a backend datetime.  JSON null decodes to the zero
// value.
type Timestamp struct {
	time.Time
}

// ParseTimestamp parses s using any layout the backend is known to
// produce.  Zone-less values are taken as UTC.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, errors.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "timestamp is not a string")
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// MonitoringStatus is the server's view of one account's background
// monitor.  Values are replaced wholesale, never merged field by field.
type MonitoringStatus struct {
	Account      Identity
	IsMonitoring bool

	// Nil when the server has never checked the account.
	LastCheckTime *time.Time

	LastFoundCount       int
	TotalClassifiedCount int

	// Nil for accounts the server has no record for.
	UpdatedAt *time.Time
}

type statusWire struct {
	Email                 Identity  `json:"email"`
	IsMonitoring          bool      `json:"is_monitoring"`
	LastCheckTime         Timestamp `json:"last_check_time"`
	LastFoundEmails       int       `json:"last_found_emails"`
	TotalClassifiedEmails int       `json:"total_classified_emails"`
	UpdatedAt             Timestamp `json:"updated_at"`
}

func optionalTime(t Timestamp) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

func wireTime(t *time.Time) Timestamp {
	if t == nil {
		return Timestamp{}
	}
	return Timestamp{*t}
}

func (s *MonitoringStatus) UnmarshalJSON(b []byte) error {
	var w statusWire
	if err := json.Unmarshal(b, &w); err != nil {
		return errors.Wrap(err, "decoding monitoring status")
	}
	if w.LastFoundEmails < 0 || w.TotalClassifiedEmails < 0 {
		return errors.Errorf("monitoring status for %q has negative counts (%d, %d)",
			w.Email, w.LastFoundEmails, w.TotalClassifiedEmails)
	}
	*s = MonitoringStatus{
		Account:              w.Email,
		IsMonitoring:         w.IsMonitoring,
		LastCheckTime:        optionalTime(w.LastCheckTime),
		LastFoundCount:       w.LastFoundEmails,
		TotalClassifiedCount: w.TotalClassifiedEmails,
		UpdatedAt:            optionalTime(w.UpdatedAt),
	}
	return nil
}

func (s MonitoringStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusWire{
		Email:                 s.Account,
		IsMonitoring:          s.IsMonitoring,
		LastCheckTime:         wireTime(s.LastCheckTime),
		LastFoundEmails:       s.LastFoundCount,
		TotalClassifiedEmails: s.TotalClassifiedCount,
		UpdatedAt:             wireTime(s.UpdatedAt),
	})
}

// OlderThan reports whether s was last updated strictly before other.
// Statuses without an update time are never older.
func (s MonitoringStatus) OlderThan(other MonitoringStatus) bool {
	if s.UpdatedAt == nil || other.UpdatedAt == nil {
		return false
	}
	return s.UpdatedAt.Before(*other.UpdatedAt)
}

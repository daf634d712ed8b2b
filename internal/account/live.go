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
	"github.com/pkg/errors"
)

// LiveSnapshot is the progress of an active monitoring run as pushed
// by the backend over a live session.
type LiveSnapshot struct {
	TotalEmails      int `json:"total_emails"`
	ProcessingEmails int `json:"processing_emails"`
	ProcessedEmails  int `json:"processed_emails"`

	// Category name to number of emails classified into it.
	ClassificationCounts map[string]int `json:"classification_stats"`
}

// Validate rejects snapshots with negative counts.
func (s LiveSnapshot) Validate() error {
	if s.TotalEmails < 0 || s.ProcessingEmails < 0 || s.ProcessedEmails < 0 {
		return errors.Errorf("negative email counts (%d, %d, %d)",
			s.TotalEmails, s.ProcessingEmails, s.ProcessedEmails)
	}
	for category, n := range s.ClassificationCounts {
		if n < 0 {
			return errors.Errorf("negative count %d for category %q", n, category)
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s LiveSnapshot) Clone() LiveSnapshot {
	c := s
	if s.ClassificationCounts != nil {
		c.ClassificationCounts = make(map[string]int, len(s.ClassificationCounts))
		for k, v := range s.ClassificationCounts {
			c.ClassificationCounts[k] = v
		}
	}
	return c
}

// Progress is the processed fraction of TotalEmails in [0, 1].
func (s LiveSnapshot) Progress() float64 {
	if s.TotalEmails <= 0 {
		return 0
	}
	p := float64(s.ProcessedEmails) / float64(s.TotalEmails)
	if p > 1 {
		return 1
	}
	return p
}

// LogEntry is one normalized log line of a live session.
type LogEntry struct {
	// Empty when the raw line carried no bracketed timestamp.
	Timestamp string
	Message   string
}

// String formats e for display.
func (e LogEntry) String() string {
	return "[" + e.Timestamp + "] " + e.Message
}

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

// Package logline turns the log lines streamed by the monitoring
// backend into display entries.
//
// The backend forwards its log records either as a JSON object whose
// "message" member holds the formatted line, or as the formatted line
// itself.  A formatted line looks like
//
//	INFO: [2024-01-01 00:00:00] found 3 new emails
//
// where both the severity prefix and the bracketed timestamp are
// optional.
package logline

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/matta/mailwatch/internal/account"
)

var (
	severityPrefix = regexp.MustCompile(`^\s*(?:ERROR|DEBUG|INFO|WARNING|CRITICAL):\s*`)
	bracketed      = regexp.MustCompile(`\[([^\]]+)\]`)
	bracketedSpace = regexp.MustCompile(`\s*\[[^\]]+\]\s*`)
)

// Normalize converts one raw log frame payload into a LogEntry.  It
// never fails: input that is not a JSON object is treated as a plain
// line.
func Normalize(raw string) account.LogEntry {
	line := unwrap(raw)
	line = severityPrefix.ReplaceAllString(line, "")

	var ts string
	if m := bracketed.FindStringSubmatch(line); m != nil {
		ts = m[1]
	}

	body := line
	if loc := bracketedSpace.FindStringIndex(line); loc != nil {
		// Keep a single separator when the timestamp sat between words.
		sep := ""
		if loc[0] > 0 && loc[1] < len(line) {
			sep = " "
		}
		body = line[:loc[0]] + sep + line[loc[1]:]
	}
	return account.LogEntry{Timestamp: ts, Message: strings.TrimSpace(body)}
}

// unwrap returns the "message" member of raw when raw is a JSON
// object, and raw itself otherwise.
func unwrap(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return raw
	}
	var msg string
	if m, ok := obj["message"]; ok {
		// A non-string message member yields an empty line.
		_ = json.Unmarshal(m, &msg)
	}
	return msg
}

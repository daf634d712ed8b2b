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

package tracehttp

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"regexp"
)

var authorizationLine = regexp.MustCompile(`(?mi)^(Authorization:\s*\S+)\s+\S+`)

// traceTransport is an http.RoundTripper that dumps the request and
// response to a writer while delegating the real work to another
// http.RoundTripper.  Bearer tokens are redacted from the dump.
type traceTransport struct {
	delegate http.RoundTripper
	out      io.Writer
}

// RoundTrip dumps the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		fmt.Fprintln(t.out, redact(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			fmt.Fprintln(t.out, redact(dump))
		}
	}
	return resp, err
}

func redact(dump []byte) string {
	return authorizationLine.ReplaceAllString(string(dump), "$1 <redacted>")
}

// Wrap returns d traced to out.  A nil d uses http.DefaultTransport; a
// nil out uses stderr.
func Wrap(d http.RoundTripper, out io.Writer) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	if out == nil {
		out = os.Stderr
	}
	return &traceTransport{delegate: d, out: out}
}

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

// This file provides the common data objects used by the rest of the
// program.

import (
	"net/mail"
	"strings"

	"github.com/pkg/errors"
)

// Identity is the email address of a configured mailbox.  It is the
// natural key for all monitoring state.
type Identity string

// ParseIdentity validates s as a bare email address.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", errors.Wrapf(err, "invalid account %q", s)
	}
	if addr.Address != s {
		return "", errors.Errorf("invalid account %q: want a bare address", s)
	}
	return Identity(addr.Address), nil
}

func (id Identity) String() string {
	return string(id)
}

// Config is one mailbox configuration as stored by the backend under
// /mail-info/.
type Config struct {
	// Server assigned; zero for configurations not yet created.
	ID int `json:"id,omitempty"`

	Email        Identity `json:"email"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TenantID     string   `json:"tenant_id,omitempty"`
	IsActive     bool     `json:"is_active"`

	LastSyncTime *Timestamp `json:"last_sync_time,omitempty"`
}

// Identities returns the account identities of cfgs in order, skipping
// duplicates.
func Identities(cfgs []Config) []Identity {
	seen := make(map[Identity]bool, len(cfgs))
	ids := make([]Identity, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Email == "" || seen[c.Email] {
			continue
		}
		seen[c.Email] = true
		ids = append(ids, c.Email)
	}
	return ids
}

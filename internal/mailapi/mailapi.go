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

// Package mailapi is a typed client for the classification backend's
// REST API: mailbox configuration, monitoring control and on-demand
// classification.
package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/matta/mailwatch/internal/account"
)

var (
	// ErrStatus is returned when the backend answers 2xx but reports a
	// failure in the response's status member.
	ErrStatus = errors.New("backend reported failure")
)

// Action is a monitoring control command.
type Action string

const (
	Start Action = "start"
	Stop  Action = "stop"
)

// Caller issues one authenticated JSON call.  *apihttp.Client
// satisfies it.
type Caller interface {
	Call(ctx context.Context, method, path string, body, out interface{}) error
}

// Service provides access to the backend's REST API.
type Service struct {
	api Caller
}

func New(api Caller) *Service {
	return &Service{api: api}
}

// envelope is the common shape of the monitoring and classification
// endpoints.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e envelope) check(op string) error {
	if e.Status == "success" {
		return nil
	}
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("status %q", e.Status)
	}
	return errors.Wrapf(ErrStatus, "%s: %s", op, msg)
}

// ListAccounts returns every mailbox configuration of the signed in
// user.
func (s *Service) ListAccounts(ctx context.Context) ([]account.Config, error) {
	var raw json.RawMessage
	if err := s.api.Call(ctx, http.MethodGet, "/mail-info/", nil, &raw); err != nil {
		return nil, errors.Wrap(err, "listing accounts")
	}
	cfgs, err := decodeList(raw)
	if err != nil {
		return nil, errors.Wrap(err, "listing accounts")
	}
	return cfgs, nil
}

// decodeList accepts a bare array or an object wrapping it in "data"
// or "results".
func decodeList(raw json.RawMessage) ([]account.Config, error) {
	raw = bytes.TrimSpace(raw)
	var cfgs []account.Config
	if len(raw) > 0 && raw[0] == '[' {
		err := json.Unmarshal(raw, &cfgs)
		return cfgs, err
	}
	var wrapped struct {
		Data    []account.Config `json:"data"`
		Results []account.Config `json:"results"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Data != nil {
		return wrapped.Data, nil
	}
	return wrapped.Results, nil
}

// CreateAccount stores a new mailbox configuration.
func (s *Service) CreateAccount(ctx context.Context, cfg account.Config) (account.Config, error) {
	cfg.ID = 0
	var out account.Config
	if err := s.api.Call(ctx, http.MethodPost, "/mail-info/", cfg, &out); err != nil {
		return account.Config{}, errors.Wrapf(err, "creating account %v", cfg.Email)
	}
	return out, nil
}

// UpdateAccount replaces the configuration with the given id.
func (s *Service) UpdateAccount(ctx context.Context, id int, cfg account.Config) (account.Config, error) {
	cfg.ID = id
	var out account.Config
	if err := s.api.Call(ctx, http.MethodPut, fmt.Sprintf("/mail-info/%d/", id), cfg, &out); err != nil {
		return account.Config{}, errors.Wrapf(err, "updating account %d", id)
	}
	return out, nil
}

// DeleteAccount removes the configuration with the given id.
func (s *Service) DeleteAccount(ctx context.Context, id int) error {
	if err := s.api.Call(ctx, http.MethodDelete, fmt.Sprintf("/mail-info/%d/", id), nil, nil); err != nil {
		return errors.Wrapf(err, "deleting account %d", id)
	}
	return nil
}

// AuthorizeURL returns the mail provider's OAuth consent URL for the
// account.  The user completes authorization in a browser.
func (s *Service) AuthorizeURL(ctx context.Context, email account.Identity, id int) (string, error) {
	q := url.Values{"email": {email.String()}, "email_id": {fmt.Sprint(id)}}
	var out struct {
		AuthURL string `json:"auth_url"`
	}
	if err := s.api.Call(ctx, http.MethodGet, "/mail/oauth/authorize?"+q.Encode(), nil, &out); err != nil {
		return "", errors.Wrapf(err, "authorizing %v", email)
	}
	if out.AuthURL == "" {
		return "", errors.Errorf("authorizing %v: response carried no auth_url", email)
	}
	return out.AuthURL, nil
}

type monitorResponse struct {
	envelope
	MonitoringStatus *account.MonitoringStatus `json:"monitoring_status"`
}

func (r *monitorResponse) status(op string, email account.Identity) (account.MonitoringStatus, error) {
	if err := r.check(op); err != nil {
		return account.MonitoringStatus{}, err
	}
	if r.MonitoringStatus == nil {
		return account.MonitoringStatus{}, errors.Errorf("%s: response carried no monitoring_status", op)
	}
	st := *r.MonitoringStatus
	if st.Account == "" {
		st.Account = email
	}
	if st.Account != email {
		return account.MonitoringStatus{}, errors.Errorf("%s: response is for %v", op, st.Account)
	}
	return st, nil
}

// MonitorStatus fetches the server's monitoring status for email.
func (s *Service) MonitorStatus(ctx context.Context, email account.Identity) (account.MonitoringStatus, error) {
	op := fmt.Sprintf("monitor status of %v", email)
	var resp monitorResponse
	q := url.Values{"email": {email.String()}}
	if err := s.api.Call(ctx, http.MethodGet, "/mail/monitor/?"+q.Encode(), nil, &resp); err != nil {
		return account.MonitoringStatus{}, errors.Wrap(err, op)
	}
	return resp.status(op, email)
}

// SetMonitoring asks the server to start or stop monitoring email.
// The returned status is the server's decision.
func (s *Service) SetMonitoring(ctx context.Context, email account.Identity, action Action) (account.MonitoringStatus, error) {
	op := fmt.Sprintf("%s monitoring %v", action, email)
	if action != Start && action != Stop {
		return account.MonitoringStatus{}, errors.Errorf("%s: unknown action", op)
	}
	body := map[string]string{"email": email.String(), "action": string(action)}
	var resp monitorResponse
	if err := s.api.Call(ctx, http.MethodPost, "/mail/monitor/", body, &resp); err != nil {
		return account.MonitoringStatus{}, errors.Wrap(err, op)
	}
	return resp.status(op, email)
}

// ClassifyResult is the outcome of an on-demand classification run.
type ClassifyResult struct {
	Message string
	// Nil when the backend did not report per-category counts.
	Stats map[string]int
}

// Classify classifies the mail received by email in the last hours
// hours using method.
func (s *Service) Classify(ctx context.Context, email account.Identity, hours int, method string) (*ClassifyResult, error) {
	op := fmt.Sprintf("classifying %v", email)
	if hours <= 0 {
		return nil, errors.Errorf("%s: hours must be positive, got %d", op, hours)
	}
	body := map[string]interface{}{"email": email.String(), "hours": hours, "method": method}
	var resp struct {
		envelope
		ClassificationStats map[string]int `json:"classification_stats"`
	}
	if err := s.api.Call(ctx, http.MethodPost, "/mail/classify/", body, &resp); err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := resp.check(op); err != nil {
		return nil, err
	}
	return &ClassifyResult{Message: resp.Message, Stats: resp.ClassificationStats}, nil
}

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

package reconcile

// This file provides the interfaces the reconciler needs from the
// backend.

import (
	"context"

	"github.com/matta/mailwatch/internal/account"
	"github.com/matta/mailwatch/internal/mailapi"
)

// StatusGetter fetches the server's monitoring status for one account.
type StatusGetter interface {
	MonitorStatus(ctx context.Context, email account.Identity) (account.MonitoringStatus, error)
}

// StatusSetter sends a start or stop command for one account and
// returns the server's resulting status.
type StatusSetter interface {
	SetMonitoring(ctx context.Context, email account.Identity, action mailapi.Action) (account.MonitoringStatus, error)
}

// StatusSource provides all backend operations the reconciler uses.
// *mailapi.Service satisfies it.
type StatusSource interface {
	StatusGetter
	StatusSetter
}

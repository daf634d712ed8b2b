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

package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/matta/mailwatch/internal/telemetry"
	"github.com/matta/mailwatch/internal/ui"
)

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := flagSet("watch")
	live := fs.Bool("live", false, "open the live session on start")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := oneIdentity("watch", fs.Args())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := a.reconciler()
	r.Track(id)
	mgr := telemetry.NewManager(a.cfg.WSURL, telemetry.WebsocketDialer{}, a.creds, a.logger)
	defer mgr.Close()
	if *live {
		if _, err := mgr.Open(ctx, id); err != nil {
			return err
		}
	}

	program := tea.NewProgram(ui.New(ctx, id, r, mgr), tea.WithAltScreen(), tea.WithContext(ctx))

	polled := make(chan error, 1)
	go func() {
		err := r.Run(ctx)
		if err != nil {
			program.Quit()
		}
		polled <- err
	}()

	final, err := program.Run()
	cancel()
	if perr := <-polled; perr != nil {
		return perr
	}
	if fm, ok := final.(ui.Model); ok && fm.Err() != nil {
		return fm.Err()
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "running monitoring view")
	}
	return nil
}

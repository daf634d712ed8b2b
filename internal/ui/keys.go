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

package ui

import "github.com/charmbracelet/bubbles/key"

// KeyMap holds the key bindings of the monitoring view.
type KeyMap struct {
	Toggle        key.Binding
	OpenSession   key.Binding
	CloseSession  key.Binding
	RequestStatus key.Binding
	Quit          key.Binding
}

// DefaultKeyMap is the built-in key binding set.
var DefaultKeyMap = KeyMap{
	Toggle: key.NewBinding(
		key.WithKeys("t"),
		key.WithHelp("t", "toggle monitoring"),
	),
	OpenSession: key.NewBinding(
		key.WithKeys("o"),
		key.WithHelp("o", "open live"),
	),
	CloseSession: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "close live"),
	),
	RequestStatus: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh live"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Toggle, k.OpenSession, k.CloseSession, k.RequestStatus, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

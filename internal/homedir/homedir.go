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

// Package homedir locates the user's home directory and the default
// files kept under it.
package homedir

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/errors"
)

// Get returns the home directory from $HOME, falling back to the user
// database.
func Get() (string, error) {
	h := os.Getenv("HOME")
	if h != "" {
		return h, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "unable to determine home directory")
	}
	return usr.HomeDir, nil
}

// DBPath returns the default credential database path.
func DBPath() (string, error) {
	h, err := Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, ".mailwatch.db"), nil
}

// ConfigPath returns the default configuration file path.
func ConfigPath() (string, error) {
	h, err := Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, ".config", "mailwatch", "config.yaml"), nil
}

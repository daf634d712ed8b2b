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

// Package persist stores the client's API credentials in a local
// SQLite database, the terminal counterpart of a browser's local
// storage.  Monitoring state is never persisted.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

var (
	createTableSql = []string{
		// The credentials table holds at most one row: the tokens
		// of the signed in user.
		//
		// Field: access_token
		//
		//   Short lived bearer token from POST /token/ or
		//   POST /token/refresh/.
		//
		// Field: refresh_token
		//
		//   Long lived token exchanged for new access tokens.  May be
		//   empty if the server never issued one.
		//
		// Field: updated_at
		//
		//   Unix seconds of the last write.
		`
CREATE TABLE IF NOT EXISTS credentials (
id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
access_token TEXT NOT NULL,
refresh_token TEXT NOT NULL,
token_type TEXT NOT NULL,
updated_at INTEGER NOT NULL
);`,
	}
)

type DB struct {
	db *sql.DB
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// Credentials are written rarely; a short busy timeout is enough
	// for two CLI invocations racing on a refresh.
	var busyTimeout = int(5*time.Second) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	slog.Debug("opening credential database", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// LoadToken returns the stored token, or nil if none is stored.
func (tx *Tx) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	const q = `SELECT access_token, refresh_token, token_type FROM credentials WHERE id = 1`
	var tok oauth2.Token
	err := tx.tx.QueryRowContext(ctx, q).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType)
	if err == sql.ErrNoRows {
		return nil, nil // a non-error
	}
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in LoadToken")
	}
	return &tok, nil
}

// SaveToken replaces the stored token.
func (tx *Tx) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("SaveToken: empty access token")
	}
	const q = `INSERT INTO credentials
		(id, access_token, refresh_token, token_type, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET (access_token, refresh_token, token_type, updated_at) = ($1, $2, $3, $4)`
	_, err := tx.tx.ExecContext(ctx, q, tok.AccessToken, tok.RefreshToken, tok.Type(), time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "db upsert failed in SaveToken")
	}
	return nil
}

// ClearToken removes any stored token.
func (tx *Tx) ClearToken(ctx context.Context) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return errors.Wrap(err, "db delete failed in ClearToken")
	}
	return nil
}

// LoadToken, SaveToken and ClearToken on DB run in their own
// transaction.

func (db *DB) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.LoadToken(ctx)
}

func (db *DB) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	return db.update(ctx, func(tx *Tx) error { return tx.SaveToken(ctx, tok) })
}

func (db *DB) ClearToken(ctx context.Context) error {
	return db.update(ctx, func(tx *Tx) error { return tx.ClearToken(ctx) })
}

func (db *DB) update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

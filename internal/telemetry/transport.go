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

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/matta/mailwatch/internal/account"
)

// Conn is one open streaming connection.  ReadMessage is called from a
// single reader goroutine while WriteJSON and Close are called from the
// session loop; implementations must allow that.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens streaming connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.  The zero value uses
// websocket.DefaultDialer.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, u string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "handshake with %s: %s", u, resp.Status)
		}
		return nil, errors.Wrapf(err, "dialing %s", u)
	}
	return wsConn{c}, nil
}

type wsConn struct {
	*websocket.Conn
}

const closeGrace = time.Second

// Close sends a normal close frame before tearing down the connection.
func (c wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	if err := c.Conn.Close(); err != nil {
		return err
	}
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return nil
}

// URL returns the streaming endpoint for id under base, e.g.
// ws://localhost:8000/ws/email_monitor/a@x.com/.
func URL(base string, id account.Identity) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parsing streaming base URL %q", base)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.Errorf("streaming base URL %q: scheme must be ws or wss", base)
	}
	return fmt.Sprintf("%s://%s%s/ws/email_monitor/%s/",
		u.Scheme, u.Host, strings.TrimSuffix(u.EscapedPath(), "/"), url.PathEscape(id.String())), nil
}

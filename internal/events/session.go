/*
SPDX-FileCopyrightText: Copyright (c) 2026 Meek Vision Project. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Events are read-only status pushes for operator UIs; no cross-origin
	// state can be mutated through this endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one websocket subscriber.
type session struct {
	conn   *websocket.Conn
	out    chan Event
	remote string
	once   sync.Once
}

func (s *session) closeOnce() {
	s.once.Do(func() {
		close(s.out)
	})
}

// ServeWS upgrades an HTTP request into an event-stream session and blocks
// until the client disconnects or the hub drops the session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	s := &session{
		conn:   conn,
		out:    make(chan Event, sessionBuffer),
		remote: r.RemoteAddr,
	}
	if !h.register(s) {
		conn.Close()
		return
	}
	h.logger.Info("event session connected", slog.String("remote", s.remote))

	// Reader only services control frames; inbound data is ignored.
	go func() {
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(s)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(s)
		conn.Close()
		h.logger.Info("event session disconnected", slog.String("remote", s.remote))
	}()

	for {
		select {
		case e, ok := <-s.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

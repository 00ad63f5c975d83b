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

package monitor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NetProber is the default reachability probe: an RTSP OPTIONS exchange for
// rtsp:// URLs, an HTTP GET for http(s):// URLs and a plain TCP dial for
// anything else with a host.
type NetProber struct {
	dialer *net.Dialer
	client *http.Client
}

// NewNetProber creates the default prober.
func NewNetProber() *NetProber {
	return &NetProber{
		dialer: &net.Dialer{},
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe checks one URL. The ctx deadline bounds the whole attempt.
func (p *NetProber) Probe(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("monitor: invalid stream url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
		return p.probeRTSP(ctx, u)
	case "http", "https":
		return p.probeHTTP(ctx, rawURL)
	default:
		if u.Host == "" {
			return fmt.Errorf("monitor: unprobeable stream url %q", rawURL)
		}
		return p.probeTCP(ctx, u.Host)
	}
}

func hostPort(u *url.URL, defaultPort string) string {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	return host
}

func (p *NetProber) probeTCP(ctx context.Context, addr string) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// probeRTSP dials the server and performs one OPTIONS request; any RTSP
// status line counts as alive.
func (p *NetProber) probeRTSP(ctx context.Context, u *url.URL) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", hostPort(u, "554"))
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\n\r\n", u.String()); err != nil {
		return fmt.Errorf("monitor: rtsp options write: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("monitor: rtsp options read: %w", err)
	}
	if !strings.HasPrefix(line, "RTSP/") {
		return fmt.Errorf("monitor: unexpected rtsp response %q", strings.TrimSpace(line))
	}
	return nil
}

func (p *NetProber) probeHTTP(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("monitor: stream endpoint returned %d", resp.StatusCode)
	}
	return nil
}

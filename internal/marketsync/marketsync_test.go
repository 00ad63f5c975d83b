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

package marketsync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/meek-vision/meek/internal/model"
)

type fakeModelStore struct {
	mu       sync.Mutex
	upserted []model.Model
	failCode string
}

func (f *fakeModelStore) UpsertModel(ctx context.Context, m *model.Model) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.Code == f.failCode {
		return 0, errors.New("constraint violation")
	}
	f.upserted = append(f.upserted, *m)
	return int64(len(f.upserted)), nil
}

func TestSyncUpsertsCatalog(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"code": "yolo-v8", "version": "1.2.0", "class_count": 80},
			{"code": "segformer", "version": "0.9.1", "class_count": 19},
			{"code": "", "version": "ignored"}
		]`))
	}))
	defer srv.Close()

	st := &fakeModelStore{}
	s := New(Config{BaseURL: srv.URL, APIKey: "secret"}, st, slog.Default())

	synced, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if synced != 2 {
		t.Errorf("synced = %d, want 2 (entry without code skipped)", synced)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/api/v1/models" {
		t.Errorf("path = %q", gotPath)
	}
	if len(st.upserted) != 2 || st.upserted[0].Code != "yolo-v8" || st.upserted[1].Version != "0.9.1" {
		t.Errorf("upserted = %+v", st.upserted)
	}
}

func TestSyncContinuesPastUpsertFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"code": "bad"}, {"code": "good"}]`))
	}))
	defer srv.Close()

	st := &fakeModelStore{failCode: "bad"}
	s := New(Config{BaseURL: srv.URL, APIKey: "secret"}, st, slog.Default())

	synced, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if synced != 1 || len(st.upserted) != 1 || st.upserted[0].Code != "good" {
		t.Errorf("synced = %d, upserted = %+v", synced, st.upserted)
	}
}

func TestSyncDisabledWithoutKey(t *testing.T) {
	s := New(Config{BaseURL: "http://unused"}, &fakeModelStore{}, slog.Default())
	if s.Enabled() {
		t.Error("syncer without key should report disabled")
	}
	if _, err := s.Sync(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestSyncMarketplaceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, APIKey: "secret"}, &fakeModelStore{}, slog.Default())
	if _, err := s.Sync(context.Background()); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestSyncMalformedCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not": "a list"}`))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, APIKey: "secret"}, &fakeModelStore{}, slog.Default())
	if _, err := s.Sync(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

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

// Package marketsync pulls the detection model catalog from the upstream
// model marketplace and upserts it into the local store. A missing API key
// disables syncing without taking the controller down.
package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/meek-vision/meek/internal/model"
	"github.com/meek-vision/meek/utils"
)

// ErrDisabled is returned by Sync when no API key is configured.
var ErrDisabled = errors.New("marketsync: no api key configured, sync disabled")

const requestTimeout = 30 * time.Second

// Store is the slice of the SQL store the syncer writes through.
type Store interface {
	UpsertModel(ctx context.Context, m *model.Model) (int64, error)
}

// Config holds marketplace connection configuration.
type Config struct {
	BaseURL string
	APIKey  string
}

// Syncer pulls and upserts the model catalog.
type Syncer struct {
	cfg    Config
	store  Store
	client *http.Client
	logger *slog.Logger
}

// New creates a syncer. A missing API key is logged once here; Sync then
// refuses with ErrDisabled.
func New(cfg Config, st Store, logger *slog.Logger) *Syncer {
	if cfg.APIKey == "" {
		logger.Warn("marketplace api key not configured, model sync disabled")
	}
	return &Syncer{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Enabled reports whether the syncer has credentials to run.
func (s *Syncer) Enabled() bool {
	return s.cfg.APIKey != ""
}

// catalogEntry is the marketplace's wire shape for one model.
type catalogEntry struct {
	Code       string            `json:"code"`
	Version    string            `json:"version"`
	ClassCount int               `json:"class_count"`
	ClassNames map[string]string `json:"class_names"`
}

// Sync fetches the catalog and upserts every entry. Returns the number of
// models written.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, ErrDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.BaseURL+"/api/v1/models", nil)
	if err != nil {
		return 0, fmt.Errorf("marketsync: build catalog request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("marketsync: fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("marketsync: marketplace returned %d: %s",
			resp.StatusCode, string(body))
	}

	var entries []catalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return 0, fmt.Errorf("marketsync: decode catalog: %w", err)
	}

	synced := 0
	for _, e := range entries {
		if e.Code == "" {
			s.logger.Warn("catalog entry without code skipped")
			continue
		}
		m := &model.Model{
			Code:       e.Code,
			Version:    e.Version,
			ClassCount: e.ClassCount,
			ClassNames: e.ClassNames,
		}
		if _, err := s.store.UpsertModel(ctx, m); err != nil {
			s.logger.Error("model upsert failed",
				slog.String("code", e.Code), slog.Any("error", err))
			continue
		}
		synced++
	}
	s.logger.Info("model catalog synced",
		slog.Int("entries", len(entries)),
		slog.Int("synced", synced))
	return synced, nil
}

// FlagPointers holds pointers to flag values for marketplace configuration.
type FlagPointers struct {
	baseURL *string
	apiKey  *string
}

// RegisterFlags registers marketplace-related command-line flags.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		baseURL: flag.String("market-api-url",
			utils.GetEnv("MEEK_MARKET_API_URL", "https://market.meek-vision.io"),
			"Model marketplace base URL"),
		apiKey: flag.String("market-api-key",
			utils.GetEnvOrConfig("MEEK_MARKET_API_KEY", "market_api_key", ""),
			"Model marketplace API key"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		BaseURL: *f.baseURL,
		APIKey:  *f.apiKey,
	}
}

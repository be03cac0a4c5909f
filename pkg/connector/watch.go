// wabot - A WhatsApp group moderation bot.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// WatchConfig reloads the config file into holder whenever it changes, until
// ctx is canceled. Invalid files are logged and the previous config is kept.
// The session of a running bot can't change, so reloads that change it are
// rejected.
func WatchConfig(ctx context.Context, path string, holder *ConfigHolder, log zerolog.Logger) error {
	log = log.With().Str("component", "config watcher").Logger()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Editors replace the file instead of writing it, so watch the directory.
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-debounce:
			debounce = nil
			reloadConfig(path, holder, log)
		}
	}
}

func reloadConfig(path string, holder *ConfigHolder, log zerolog.Logger) {
	cfg, err := LoadConfig(path)
	if err != nil {
		log.Err(err).Msg("Failed to reload config, keeping the previous one")
		return
	}
	if old := holder.Get(); old != nil && old.Session != cfg.Session {
		log.Warn().Str("old_session", old.Session).Str("new_session", cfg.Session).Msg("Ignoring config reload that changes the session")
		return
	}
	holder.Set(cfg)
	log.Info().Msg("Reloaded config")
}

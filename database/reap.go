/*
 * This file is part of Margay.
 *
 * Margay is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * Margay is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with Margay.  If not, see <http://www.gnu.org/licenses/>.
 */

package database

import (
	"time"

	"margay/collector"
	"margay/database/types"
	"margay/log"
	"margay/util"
)

func (db *Database) startReaping() {
	go util.ContextTick(db.ctx, reapInterval, db.ReapPeers)
}

// ReapPeers Evicts every peer whose last announce is older than the peer
// timeout. The state lock is held per torrent, not across the whole table,
// so a long reap does not starve announces.
func (db *Database) ReapPeers() {
	start := time.Now()
	reaped := db.reap(start.Unix())
	elapsedTime := time.Since(start)

	collector.UpdateReapPeersTime(elapsedTime)
	log.Info.Printf("Reaped %d peers (%s)", reaped, elapsedTime.String())
}

func (db *Database) reap(now int64) int {
	db.TorrentsMutex.Lock()
	torrents := make([]*types.Torrent, 0, len(db.Torrents))

	for _, torrent := range db.Torrents {
		torrents = append(torrents, torrent)
	}
	db.TorrentsMutex.Unlock()

	reaped := 0

	for _, torrent := range torrents {
		db.TorrentsMutex.Lock()

		for id, peer := range torrent.Leechers {
			if peer.LastAnnounced+peersTimeout < now {
				delete(torrent.Leechers, id)
				reaped++
			}
		}

		for id, peer := range torrent.Seeders {
			if peer.LastAnnounced+peersTimeout < now {
				delete(torrent.Seeders, id)
				reaped++
			}
		}

		db.TorrentsMutex.Unlock()
	}

	return reaped
}

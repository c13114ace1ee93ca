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

package server

import (
	"bytes"

	"margay/database"
	"margay/database/types"
	"margay/util"
)

// scrape Read-only swarm sizes for every requested info hash, in request
// order; unknown hashes are silently skipped
func scrape(infoHashes []string, db *database.Database, buf *bytes.Buffer) {
	util.BencodeScrapeHeader(buf)

	db.TorrentsMutex.Lock()

	for _, infoHash := range infoHashes {
		if len(infoHash) != types.TorrentHashSize {
			continue
		}

		hash := types.TorrentHashFromBytes([]byte(infoHash))

		torrent, exists := db.Torrents[hash]
		if !exists {
			continue
		}

		util.BencodeScrapeTorrent(buf, hash,
			int64(len(torrent.Seeders)),
			int64(torrent.Completed),
			int64(len(torrent.Leechers)))
	}

	db.TorrentsMutex.Unlock()

	util.BencodeScrapeFooter(buf)
}

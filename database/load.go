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
	"database/sql"
	"time"

	"margay/collector"
	"margay/database/types"
	"margay/log"
)

/*
 * The loads run once at startup, before the listener accepts connections.
 * Afterwards the store is written, never re-read: the control plane is the
 * change feed for torrents, users, tokens and the blacklist.
 */

func (db *Database) loadSiteOptions() {
	db.mainConn.mutex.Lock()
	defer db.mainConn.mutex.Unlock()

	rows := db.mainConn.query(db.loadSiteOptionsStmt)
	if rows == nil {
		log.Error.Print("Failed to load site options from database")
		log.WriteStack()

		return
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var freeleech sql.NullInt64

		if err := rows.Scan(&freeleech); err != nil {
			log.Error.Printf("Error scanning site options row: %s", err)
			log.WriteStack()
		}

		db.SiteFreeleechUntil.Store(freeleech.Int64)
	}
}

func (db *Database) loadTorrents() {
	db.TorrentsMutex.Lock()
	db.mainConn.mutex.Lock()

	defer func() {
		db.TorrentsMutex.Unlock()
		db.mainConn.mutex.Unlock()
	}()

	start := time.Now()
	newTorrents := make(map[types.TorrentHash]*types.Torrent)

	rows := db.mainConn.query(db.loadTorrentsStmt)
	if rows == nil {
		log.Error.Print("Failed to load torrents from database")
		log.WriteStack()

		return
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			id          uint32
			infoHash    []byte
			freeTorrent string
			doubleSeed  bool
			snatched    uint32
		)

		if err := rows.Scan(&id, &infoHash, &freeTorrent, &doubleSeed, &snatched); err != nil {
			log.Error.Printf("Error scanning torrent row: %s", err)
			log.WriteStack()

			continue
		}

		if len(infoHash) != types.TorrentHashSize {
			continue
		}

		torrent := types.NewTorrent(id, types.FreeTypeFromString(freeTorrent))
		torrent.DoubleSeed = doubleSeed
		torrent.Completed = snatched

		newTorrents[types.TorrentHashFromBytes(infoHash)] = torrent
	}

	db.Torrents = newTorrents

	elapsedTime := time.Since(start)
	collector.UpdateLoadTime("torrents", elapsedTime)
	log.Info.Printf("Torrent load complete (%d rows, %s)", len(db.Torrents), elapsedTime.String())
}

func (db *Database) loadUsers() {
	db.UsersMutex.Lock()
	db.mainConn.mutex.Lock()

	defer func() {
		db.UsersMutex.Unlock()
		db.mainConn.mutex.Unlock()
	}()

	start := time.Now()
	newUsers := make(map[string]*types.User)

	rows := db.mainConn.query(db.loadUsersStmt)
	if rows == nil {
		log.Error.Print("Failed to load users from database")
		log.WriteStack()

		return
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			id                uint32
			canLeech          bool
			torrentPass       string
			personalFreeleech sql.NullInt64
			permissionID      uint32
		)

		if err := rows.Scan(&id, &canLeech, &torrentPass, &personalFreeleech, &permissionID); err != nil {
			log.Error.Printf("Error scanning user row: %s", err)
			log.WriteStack()

			continue
		}

		newUsers[torrentPass] = &types.User{
			ID:                id,
			CanLeech:          canLeech,
			PersonalFreeleech: personalFreeleech.Int64,
			PermissionID:      permissionID,
		}
	}

	db.Users = newUsers

	elapsedTime := time.Since(start)
	collector.UpdateLoadTime("users", elapsedTime)
	log.Info.Printf("User load complete (%d rows, %s)", len(db.Users), elapsedTime.String())
}

func (db *Database) loadTokens() {
	db.TorrentsMutex.Lock()
	db.mainConn.mutex.Lock()

	defer func() {
		db.TorrentsMutex.Unlock()
		db.mainConn.mutex.Unlock()
	}()

	start := time.Now()
	count := 0

	rows := db.mainConn.query(db.loadTokensStmt)
	if rows == nil {
		log.Error.Print("Failed to load tokens from database")
		log.WriteStack()

		return
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			userID     uint32
			freeLeech  sql.NullInt64
			doubleSeed sql.NullInt64
			infoHash   []byte
		)

		if err := rows.Scan(&userID, &freeLeech, &doubleSeed, &infoHash); err != nil {
			log.Error.Printf("Error scanning token row: %s", err)
			log.WriteStack()

			continue
		}

		torrent, exists := db.Torrents[types.TorrentHashFromBytes(infoHash)]
		if !exists {
			continue
		}

		torrent.TokenedUsers[userID] = &types.Slots{
			FreeLeech:  freeLeech.Int64,
			DoubleSeed: doubleSeed.Int64,
		}
		count++
	}

	elapsedTime := time.Since(start)
	collector.UpdateLoadTime("tokens", elapsedTime)
	log.Info.Printf("Token load complete (%d rows, %s)", count, elapsedTime.String())
}

func (db *Database) loadBlacklist() {
	db.BlacklistMutex.Lock()
	db.mainConn.mutex.Lock()

	defer func() {
		db.BlacklistMutex.Unlock()
		db.mainConn.mutex.Unlock()
	}()

	start := time.Now()

	rows := db.mainConn.query(db.loadBlacklistStmt)
	if rows == nil {
		log.Error.Print("Failed to load blacklist from database")
		log.WriteStack()

		return
	}

	defer func() {
		_ = rows.Close()
	}()

	newBlacklist := make([]string, 0)

	for rows.Next() {
		var peerID string

		if err := rows.Scan(&peerID); err != nil {
			log.Error.Printf("Error scanning blacklist row: %s", err)
			log.WriteStack()

			continue
		}

		newBlacklist = append(newBlacklist, peerID)
	}

	db.Blacklist = newBlacklist

	elapsedTime := time.Since(start)
	collector.UpdateLoadTime("blacklist", elapsedTime)
	log.Info.Printf("Blacklist load complete (%d rows, %s)", len(db.Blacklist), elapsedTime.String())
}

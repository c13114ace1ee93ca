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
	"strconv"

	"margay/database"
	"margay/database/types"
	"margay/log"
	"margay/server/params"
)

const passkeyLength = 32

func parseInt64(req *params.Request, which string) int64 {
	v, _ := req.GetInt64(which)
	return v
}

/*
 * update The control plane. Site software drives these to keep tracker
 * memory in step with its own database between restarts; every successful
 * call answers with the literal string "success".
 */
func update(req *params.Request, db *database.Database, buf *bytes.Buffer) {
	action, _ := req.Get("action")

	switch action {
	case "site_option":
		if set, _ := req.Get("set"); set == "freeleech" {
			db.SiteFreeleechUntil.Store(parseInt64(req, "time"))
		}
	case "change_passkey":
		oldPasskey, _ := req.Get("oldpasskey")
		newPasskey, _ := req.Get("newpasskey")

		db.UsersMutex.Lock()

		user, exists := db.Users[oldPasskey]
		if !exists {
			log.Warning.Printf("No user with passkey %s exists when attempting to change passkey to %s",
				oldPasskey, newPasskey)
		} else {
			db.Users[newPasskey] = user
			delete(db.Users, oldPasskey)
			log.Info.Printf("Changed passkey from %s to %s for user %d", oldPasskey, newPasskey, user.ID)
		}

		db.UsersMutex.Unlock()
	case "add_torrent":
		id := uint32(parseInt64(req, "id"))
		infoHash, _ := req.Get("info_hash")
		freeTorrent, _ := req.Get("freetorrent")

		torrent := types.NewTorrent(id, types.FreeTypeFromString(freeTorrent))

		db.TorrentsMutex.Lock()
		db.Torrents[types.TorrentHashFromBytes([]byte(infoHash))] = torrent
		db.TorrentsMutex.Unlock()

		log.Info.Printf("Added torrent %d. FL: %d %s", id, torrent.FreeTorrent, freeTorrent)
	case "update_torrent":
		infoHash, _ := req.Get("info_hash")
		freeTorrent, _ := req.Get("freetorrent")
		freeType := types.FreeTypeFromString(freeTorrent)

		db.TorrentsMutex.Lock()

		torrent, exists := db.Torrents[types.TorrentHashFromBytes([]byte(infoHash))]
		if exists {
			torrent.FreeTorrent = freeType
			log.Info.Printf("Updated torrent %d to FL %d", torrent.ID, freeType)
		} else {
			log.Warning.Printf("Failed to find torrent to set FL %d", freeType)
		}

		db.TorrentsMutex.Unlock()
	case "update_torrents":
		// Each decoded info hash is exactly 20 bytes long
		infoHashes, _ := req.Get("info_hashes")
		freeTorrent, _ := req.Get("freetorrent")
		freeType := types.FreeTypeFromString(freeTorrent)

		db.TorrentsMutex.Lock()

		for pos := 0; pos+types.TorrentHashSize <= len(infoHashes); pos += types.TorrentHashSize {
			hash := types.TorrentHashFromBytes([]byte(infoHashes[pos : pos+types.TorrentHashSize]))

			torrent, exists := db.Torrents[hash]
			if exists {
				torrent.FreeTorrent = freeType
				log.Info.Printf("Updated torrent %d to FL %d", torrent.ID, freeType)
			} else {
				log.Warning.Printf("Failed to find torrent to set FL %d", freeType)
			}
		}

		db.TorrentsMutex.Unlock()
	case "add_token_fl":
		upsertToken(req, db, func(slots *types.Slots, expiry int64) {
			slots.FreeLeech = expiry
		})
	case "add_token_ds":
		upsertToken(req, db, func(slots *types.Slots, expiry int64) {
			slots.DoubleSeed = expiry
		})
	case "remove_tokens":
		infoHash, _ := req.Get("info_hash")
		userID := uint32(parseInt64(req, "userid"))

		db.TorrentsMutex.Lock()

		torrent, exists := db.Torrents[types.TorrentHashFromBytes([]byte(infoHash))]
		if exists {
			delete(torrent.TokenedUsers, userID)
		} else {
			log.Warning.Printf("Failed to find torrent to remove tokens for user %d", userID)
		}

		db.TorrentsMutex.Unlock()
	case "delete_torrent":
		infoHash, _ := req.Get("info_hash")

		db.TorrentsMutex.Lock()

		torrent, exists := db.Torrents[types.TorrentHashFromBytes([]byte(infoHash))]
		if exists {
			log.Info.Printf("Deleting torrent %d", torrent.ID)
			delete(db.Torrents, types.TorrentHashFromBytes([]byte(infoHash)))
		} else {
			log.Warning.Printf("Failed to find torrent to delete")
		}

		db.TorrentsMutex.Unlock()
	case "add_user":
		passkey, _ := req.Get("passkey")
		id := uint32(parseInt64(req, "id"))

		db.UsersMutex.Lock()
		db.Users[passkey] = &types.User{
			ID:       id,
			CanLeech: true,
		}
		db.UsersMutex.Unlock()

		log.Info.Printf("Added user %d", id)
	case "remove_user":
		passkey, _ := req.Get("passkey")

		db.UsersMutex.Lock()
		delete(db.Users, passkey)
		db.UsersMutex.Unlock()

		log.Info.Printf("Removed user %s", passkey)
	case "remove_users":
		// Each passkey is exactly 32 characters long
		passkeys, _ := req.Get("passkeys")

		db.UsersMutex.Lock()

		for pos := 0; pos+passkeyLength <= len(passkeys); pos += passkeyLength {
			passkey := passkeys[pos : pos+passkeyLength]
			delete(db.Users, passkey)
			log.Info.Printf("Removed user %s", passkey)
		}

		db.UsersMutex.Unlock()
	case "update_user":
		passkey, _ := req.Get("passkey")
		canLeechStr, _ := req.Get("can_leech")
		canLeech := canLeechStr != "0"

		db.UsersMutex.Lock()

		user, exists := db.Users[passkey]
		if !exists {
			log.Warning.Printf("No user with passkey %s found when attempting to change leeching status!", passkey)
		} else {
			user.CanLeech = canLeech
			log.Info.Printf("Updated user %s", passkey)
		}

		db.UsersMutex.Unlock()
	case "set_personal_freeleech":
		passkey, _ := req.Get("passkey")
		expiry := parseInt64(req, "time")

		db.UsersMutex.Lock()

		user, exists := db.Users[passkey]
		if !exists {
			log.Warning.Printf("No user with passkey %s found when attempting to set personal freeleech!", passkey)
		} else {
			user.PersonalFreeleech = expiry
			log.Info.Printf("Personal freeleech set to user %s until time: %d", passkey, expiry)
		}

		db.UsersMutex.Unlock()
	case "set_permissionid":
		passkey, _ := req.Get("passkey")
		permissionID := uint32(parseInt64(req, "permissionid"))

		db.UsersMutex.Lock()

		user, exists := db.Users[passkey]
		if !exists {
			log.Warning.Printf("No user with passkey %s found when attempting to set permissionid!", passkey)
		} else {
			user.PermissionID = permissionID
			log.Info.Printf("PermissionID %d set for user %s", permissionID, passkey)
		}

		db.UsersMutex.Unlock()
	case "add_blacklist":
		peerID, _ := req.Get("peer_id")

		db.BlacklistMutex.Lock()
		db.Blacklist = append(db.Blacklist, peerID)
		db.BlacklistMutex.Unlock()

		log.Info.Printf("Blacklisted %s", peerID)
	case "remove_blacklist":
		peerID, _ := req.Get("peer_id")

		db.BlacklistMutex.Lock()
		removeBlacklistEntry(db, peerID)
		db.BlacklistMutex.Unlock()

		log.Info.Printf("De-blacklisted %s", peerID)
	case "edit_blacklist":
		oldPeerID, _ := req.Get("old_peer_id")
		newPeerID, _ := req.Get("new_peer_id")

		db.BlacklistMutex.Lock()
		removeBlacklistEntry(db, oldPeerID)
		db.Blacklist = append(db.Blacklist, newPeerID)
		db.BlacklistMutex.Unlock()

		log.Info.Printf("Edited blacklist item from %s to %s", oldPeerID, newPeerID)
	case "update_announce_interval":
		interval := parseInt64(req, "new_announce_interval")
		announceInterval.Store(interval)

		log.Info.Printf("Edited announce interval to %d", interval)
	case "info_torrent":
		infoHash, _ := req.Get("info_hash")

		db.TorrentsMutex.Lock()

		torrent, exists := db.Torrents[types.TorrentHashFromBytes([]byte(infoHash))]
		if exists {
			log.Info.Printf("Torrent %d, freetorrent = %d", torrent.ID, torrent.FreeTorrent)
		} else {
			log.Warning.Printf("Failed to find torrent %s", strconv.Quote(infoHash))
		}

		db.TorrentsMutex.Unlock()
	}

	buf.WriteString("success")
}

func upsertToken(req *params.Request, db *database.Database, set func(*types.Slots, int64)) {
	infoHash, _ := req.Get("info_hash")
	userID := uint32(parseInt64(req, "userid"))
	expiry := parseInt64(req, "time")

	db.TorrentsMutex.Lock()
	defer db.TorrentsMutex.Unlock()

	torrent, exists := db.Torrents[types.TorrentHashFromBytes([]byte(infoHash))]
	if !exists {
		log.Warning.Printf("Failed to find torrent to add a token for user %d", userID)
		return
	}

	slots := torrent.TokenedUsers[userID]
	if slots == nil {
		slots = &types.Slots{}
		torrent.TokenedUsers[userID] = slots
	}

	set(slots, expiry)
}

func removeBlacklistEntry(db *database.Database, peerID string) {
	for i, entry := range db.Blacklist {
		if entry == peerID {
			db.Blacklist = append(db.Blacklist[:i], db.Blacklist[i+1:]...)
			break
		}
	}
}

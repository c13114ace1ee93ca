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
	"slices"
	"strings"

	"margay/database"
	"margay/database/types"
	"margay/log"
	"margay/server/params"
	"margay/util"

	"github.com/jinzhu/copier"
)

// maxBytesTransferred Upper bound on a single stored counter or delta
const maxBytesTransferred = 999999999999999

// freeleechPermissionID Permission class whose members always leech free
const freeleechPermissionID = 20

const defaultNumWant = 50

/*
 * announce The core engine. Runs under the torrent-list lock; record calls
 * take the per-kind buffer mutexes while it is held, and nothing takes a
 * buffer mutex and then the torrent-list lock.
 */
func announce(now int64, tor *types.Torrent, user *types.User, req *params.Request, ip string,
	db *database.Database, buf *bytes.Buffer) {
	if compact, _ := req.Get("compact"); compact != "1" {
		failure("Your client does not support compact announces", buf)
		return
	}

	left, _ := req.GetUint64("left")
	uploaded, _ := req.GetInt64("uploaded")
	downloaded, _ := req.GetInt64("downloaded")

	if uploaded < 0 {
		uploaded = 0
	}

	if downloaded < 0 {
		downloaded = 0
	}

	peerIDStr, hasPeerID := req.Get("peer_id")
	if !hasPeerID {
		failure("no peer id", buf)
		return
	}

	db.BlacklistMutex.RLock()
	blacklisted := false

	for _, prefix := range db.Blacklist {
		if strings.HasPrefix(peerIDStr, prefix) {
			blacklisted = true
			break
		}
	}
	db.BlacklistMutex.RUnlock()

	if blacklisted {
		failure("Your client is blacklisted!", buf)
		return
	}

	peerID := types.PeerIDFromRawString(peerIDStr)
	event, _ := req.Get("event")

	var (
		peer          *types.Peer
		inserted      bool
		updateTorrent bool
	)

	// Insert/find the peer in the torrent list
	if left > 0 || event == "completed" {
		if !user.CanLeech {
			failure("Access denied, leeching forbidden", buf)
			return
		}

		peer = tor.Leechers[peerID]
		if peer == nil {
			peer = &types.Peer{}
			tor.Leechers[peerID] = peer
			inserted = true
		}
	} else {
		peer = tor.Seeders[peerID]
		if peer == nil {
			peer = &types.Peer{}
			tor.Seeders[peerID] = peer
			inserted = true
		}

		tor.LastSeeded = now
	}

	peer.Left = left

	var (
		upspeed, downspeed                       int64
		uploadedChange, downloadedChange         int64
		realUploadedChange, realDownloadedChange int64
	)

	if inserted || event == "started" || uploaded < peer.Uploaded || downloaded < peer.Downloaded {
		// Fresh accounting epoch: new peer, restarted torrent or reset
		// counters. Stored values are overwritten and no deltas are emitted.
		updateTorrent = true
		peer.UserID = user.ID
		peer.ID = peerID
		peer.UserAgent = req.Headers["user-agent"]
		peer.FirstAnnounced = now
		peer.LastAnnounced = 0
		peer.Announces = 1

		if uploaded > maxBytesTransferred {
			uploaded = maxBytesTransferred
		}

		peer.Uploaded = uploaded

		if downloaded > maxBytesTransferred {
			downloaded = maxBytesTransferred
		}

		peer.Downloaded = downloaded
	} else {
		peer.Announces++

		if uploaded != peer.Uploaded {
			uploadedChange = uploaded - peer.Uploaded
			if uploadedChange > maxBytesTransferred {
				uploadedChange = maxBytesTransferred
			}

			realUploadedChange = uploadedChange
			peer.Uploaded = uploaded
		}

		if downloaded != peer.Downloaded {
			downloadedChange = downloaded - peer.Downloaded
			if downloadedChange > maxBytesTransferred {
				downloadedChange = maxBytesTransferred
			}

			realDownloadedChange = downloadedChange
			peer.Downloaded = downloaded
		}

		if uploadedChange != 0 || downloadedChange != 0 {
			corrupt, _ := req.GetInt64("corrupt")

			tor.Balance += uploadedChange
			tor.Balance -= downloadedChange
			tor.Balance -= corrupt
			updateTorrent = true

			if peer.LastAnnounced != 0 && now > peer.LastAnnounced {
				upspeed = uploadedChange / (now - peer.LastAnnounced)
				downspeed = downloadedChange / (now - peer.LastAnnounced)
			}

			slots := tor.TokenedUsers[user.ID]

			// Token accounting wants the raw deltas, before any policy
			if slots != nil {
				db.RecordToken(user.ID, tor.ID, downloadedChange, uploadedChange)
			}

			if tor.FreeTorrent == types.Neutral {
				downloadedChange = 0
				uploadedChange = 0
			} else if tor.FreeTorrent == types.Free || db.SiteFreeleechUntil.Load() >= now ||
				(slots != nil && slots.FreeLeech >= now) || user.PersonalFreeleech >= now ||
				user.PermissionID == freeleechPermissionID {
				downloadedChange = 0
			}

			if tor.DoubleSeed || (slots != nil && slots.DoubleSeed >= now) {
				if uploadedChange > maxBytesTransferred {
					uploadedChange = maxBytesTransferred
				}

				uploadedChange *= 2
			}

			if uploadedChange != 0 || downloadedChange != 0 || realUploadedChange != 0 || realDownloadedChange != 0 {
				db.RecordUser(user.ID, uploadedChange, downloadedChange, realUploadedChange, realDownloadedChange)
			}
		}
	}

	peer.LastAnnounced = now

	if override, exists := req.Get("ip"); exists {
		ip = override
	} else if override, exists = req.Get("ipv4"); exists {
		ip = override
	}

	port, _ := req.GetUint16("port")

	if inserted || port != peer.Port || ip != peer.IPAddr {
		peer.Port = port
		peer.IPAddr = ip

		blob := make([]byte, 0, types.PeerAddrSize)

		var x byte

		for pos := 0; pos < len(ip); pos++ {
			if ip[pos] == '.' {
				blob = append(blob, x)
				x = 0

				continue
			} else if ip[pos] < '0' || ip[pos] > '9' {
				failure("Unexpected character in IP address. Only IPv4 is currently supported", buf)
				return
			}

			x = x*10 + ip[pos] - '0'
		}

		blob = append(blob, x, byte(port>>8), byte(port&0xFF))

		if len(blob) != types.PeerAddrSize {
			failure("Specified IP address is of a bad length", buf)
			return
		}

		copy(peer.Addr[:], blob)
	}

	// Select peers!
	numWant := defaultNumWant

	if wanted, exists := req.GetUint64("numwant"); exists {
		if wanted > defaultNumWant {
			wanted = defaultNumWant
		}

		numWant = int(wanted)
	}

	snatches := 0
	active := 1

	if event == "stopped" {
		updateTorrent = true
		active = 0
		numWant = 0

		if left > 0 {
			if _, exists := tor.Leechers[peerID]; exists {
				delete(tor.Leechers, peerID)
			} else {
				log.Warning.Printf("Tried and failed to remove leecher from torrent %d", tor.ID)
			}
		} else {
			if _, exists := tor.Seeders[peerID]; exists {
				delete(tor.Seeders, peerID)
			} else {
				log.Warning.Printf("Tried and failed to remove seeder from torrent %d", tor.ID)
			}
		}
	} else if event == "completed" {
		snatches = 1
		updateTorrent = true
		tor.Completed++

		db.RecordSnatch(user.ID, tor.ID, now, ip)

		// User is a seeder now!
		seeder := &types.Peer{}
		if err := copier.Copy(seeder, peer); err != nil {
			panic(err)
		}

		tor.Seeders[peerID] = seeder
		delete(tor.Leechers, peerID)
	}

	var peers []byte

	if numWant > 0 {
		peers = make([]byte, 0, util.Min(numWant, len(tor.Seeders)+len(tor.Leechers))*types.PeerAddrSize)

		if left > 0 { // Show seeders to leechers first
			peers = appendSeeders(tor, peers, numWant)

			if len(peers)/types.PeerAddrSize < numWant && len(tor.Leechers) > 1 {
				found := len(peers) / types.PeerAddrSize

				for _, leecher := range tor.Leechers {
					if found >= numWant {
						break
					}

					if leecher.Addr == peer.Addr { // Don't show leechers themselves
						continue
					}

					peers = append(peers, leecher.Addr[:]...)
					found++
				}
			}
		} else if len(tor.Leechers) > 0 { // User is a seeder, and we have leechers!
			found := 0

			for _, leecher := range tor.Leechers {
				if found >= numWant {
					break
				}

				peers = append(peers, leecher.Addr[:]...)
				found++
			}
		}
	}

	if updateTorrent || tor.LastFlushed+3600 < now {
		tor.LastFlushed = now

		db.RecordTorrent(tor.ID, len(tor.Seeders), len(tor.Leechers), snatches, tor.Balance)
	}

	db.RecordPeer(user.ID, tor.ID, active, peer.Uploaded, peer.Downloaded, upspeed, downspeed,
		left, now-peer.FirstAnnounced, peer.Announces, ip, port, peerIDStr, peer.UserAgent, now)

	if upspeed >= keepSpeed {
		db.RecordPeerHist(user.ID, realDownloadedChange, left, realUploadedChange, upspeed, downspeed,
			now-peer.FirstAnnounced, peerIDStr, ip, tor.ID, now)
	}

	interval := int(announceInterval.Load())

	// Spreads announce load: bigger swarms get longer intervals
	util.BencodeAnnounce(buf,
		int64(len(tor.Seeders)),
		int64(tor.Completed),
		int64(len(tor.Leechers)),
		interval+util.Min(600, len(tor.Seeders)),
		interval,
		peers)
}

/*
 * appendSeeders Cycles through the seeder set so every seeder gets shown to
 * leechers over successive announces. Go maps iterate in random order, so
 * the walk runs over the sorted key set, resuming after the cursor; a
 * cursor whose peer has left the swarm falls back to the first key.
 */
func appendSeeders(tor *types.Torrent, peers []byte, numWant int) []byte {
	if len(tor.Seeders) == 0 {
		return peers
	}

	keys := make([]types.PeerID, 0, len(tor.Seeders))
	for id := range tor.Seeders {
		keys = append(keys, id)
	}

	slices.SortFunc(keys, func(a, b types.PeerID) int {
		return bytes.Compare(a[:], b[:])
	})

	start := 0

	if tor.LastSelectedSeeder != (types.PeerID{}) {
		for i, id := range keys {
			if id == tor.LastSelectedSeeder {
				start = (i + 1) % len(keys)
				break
			}
		}
	}

	found := len(peers) / types.PeerAddrSize

	for i := 0; i < len(keys) && found < numWant; i++ {
		id := keys[(start+i)%len(keys)]

		peers = append(peers, tor.Seeders[id].Addr[:]...)
		tor.LastSelectedSeeder = id
		found++
	}

	return peers
}

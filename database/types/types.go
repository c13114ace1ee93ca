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

package types

const TorrentHashSize = 20

// TorrentHash SHA-1 hash of a torrent's info dictionary (20 bytes)
type TorrentHash [TorrentHashSize]byte

func TorrentHashFromBytes(buf []byte) (h TorrentHash) {
	if len(buf) != TorrentHashSize {
		return
	}

	copy(h[:], buf)

	return h
}

const PeerIDSize = 20

// PeerID Sent in tracker requests with client information
// https://www.bittorrent.org/beps/bep_0020.html
type PeerID [PeerIDSize]byte

func PeerIDFromRawString(buf string) (id PeerID) {
	if len(buf) != PeerIDSize {
		return
	}

	copy(id[:], buf)

	return id
}

// PeerAddrSize BEP-23 compact encoding: 4 bytes IPv4 + 2 bytes port
const PeerAddrSize = 6

type PeerAddr [PeerAddrSize]byte

// FreeType per-torrent promotional class
type FreeType uint8

const (
	Normal FreeType = iota
	Free
	Neutral
)

// FreeTypeFromString maps the control plane's and store's freetorrent
// column values; anything that is not "0" or "1" counts as neutral
func FreeTypeFromString(s string) FreeType {
	switch s {
	case "0":
		return Normal
	case "1":
		return Free
	default:
		return Neutral
	}
}

// Slots A per-(user,torrent) promotional token. Expiries are unix times
// compared against now at policy evaluation; entries outlive their expiry.
type Slots struct {
	FreeLeech  int64
	DoubleSeed int64
}

type Peer struct {
	Addr PeerAddr

	Uploaded   int64
	Downloaded int64
	Left       uint64

	FirstAnnounced int64 // unix time
	LastAnnounced  int64

	UserID    uint32
	Announces uint32

	ID PeerID

	IPAddr    string
	UserAgent string

	Port uint16
}

// Torrent A peer id appears in at most one of Seeders/Leechers; the
// transition on a completed event happens atomically under the state lock.
type Torrent struct {
	Seeders  map[PeerID]*Peer
	Leechers map[PeerID]*Peer

	// TokenedUsers user id to token slots for this torrent
	TokenedUsers map[uint32]*Slots

	ID uint32

	FreeTorrent FreeType
	DoubleSeed  bool

	// Balance running ledger of net upload minus download minus corruption
	Balance   int64
	Completed uint32

	LastSeeded  int64 // unix time
	LastFlushed int64

	// LastSelectedSeeder round-robin cursor; the zero value means unset
	LastSelectedSeeder PeerID
}

func NewTorrent(id uint32, freeTorrent FreeType) *Torrent {
	return &Torrent{
		ID:           id,
		FreeTorrent:  freeTorrent,
		Seeders:      make(map[PeerID]*Peer),
		Leechers:     make(map[PeerID]*Peer),
		TokenedUsers: make(map[uint32]*Slots),
	}
}

type User struct {
	ID       uint32
	CanLeech bool

	// PersonalFreeleech unix expiry, 0 when never granted
	PersonalFreeleech int64

	PermissionID uint32
}

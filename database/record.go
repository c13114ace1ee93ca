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
	"bytes"
	"strconv"
	"strings"
)

/*
 * Each record call appends one parenthesized row literal to its kind's
 * buffer under the kind's own mutex. The announce path calls them with the
 * torrent lock held; no lock is taken while a buffer mutex is held. The
 * buffers are dialect-opaque text, concatenated into a bulk statement at
 * flush time.
 *
 * It may look ugly with all the explicit type conversions, but this
 * tracker is about speed.
 */

var sqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\x00", `\0`,
	"\n", `\n`,
	"\r", `\r`,
	"\x1a", `\Z`,
)

func writeEscapedString(buf *bytes.Buffer, s string) {
	buf.WriteByte('\'')
	_, _ = sqlEscaper.WriteString(buf, s)
	buf.WriteByte('\'')
}

func (rb *recordBuffer) separate() {
	if rb.buffer.Len() > 0 {
		rb.buffer.WriteString(",")
	}
}

// RecordUser (user_id, up_adj, down_adj, up_real, down_real)
func (db *Database) RecordUser(userID uint32, deltaUp, deltaDown, rawDeltaUp, rawDeltaDown int64) {
	rb := &db.buffers[RecordUsers]
	rb.Lock()
	defer rb.Unlock()

	rb.separate()
	rb.buffer.WriteString("(")
	rb.buffer.WriteString(strconv.FormatUint(uint64(userID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(deltaUp, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(deltaDown, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(rawDeltaUp, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(rawDeltaDown, 10))
	rb.buffer.WriteString(")")
}

// RecordTorrent (tor_id, seeders, leechers, snatched_delta, balance)
func (db *Database) RecordTorrent(torrentID uint32, seeders, leechers, deltaSnatch int, balance int64) {
	rb := &db.buffers[RecordTorrents]
	rb.Lock()
	defer rb.Unlock()

	rb.separate()
	rb.buffer.WriteString("(")
	rb.buffer.WriteString(strconv.FormatUint(uint64(torrentID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.Itoa(seeders))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.Itoa(leechers))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.Itoa(deltaSnatch))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(balance, 10))
	rb.buffer.WriteString(")")
}

// RecordSnatch (user_id, tor_id, now, 'ip')
func (db *Database) RecordSnatch(userID, torrentID uint32, now int64, ip string) {
	rb := &db.buffers[RecordSnatches]
	rb.Lock()
	defer rb.Unlock()

	rb.separate()
	rb.buffer.WriteString("(")
	rb.buffer.WriteString(strconv.FormatUint(uint64(userID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(uint64(torrentID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(now, 10))
	rb.buffer.WriteString(",")
	writeEscapedString(&rb.buffer, ip)
	rb.buffer.WriteString(")")
}

// RecordToken (user_id, tor_id, down_raw, up_raw)
func (db *Database) RecordToken(userID, torrentID uint32, rawDeltaDown, rawDeltaUp int64) {
	rb := &db.buffers[RecordTokens]
	rb.Lock()
	defer rb.Unlock()

	rb.separate()
	rb.buffer.WriteString("(")
	rb.buffer.WriteString(strconv.FormatUint(uint64(userID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(uint64(torrentID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(rawDeltaDown, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(rawDeltaUp, 10))
	rb.buffer.WriteString(")")
}

// RecordPeer (user_id, tor_id, active, uploaded, downloaded, upspeed,
// downspeed, left, timespent, announces, 'ip', port, 'peer_id',
// 'user_agent', now). Uploaded/downloaded are the stored absolute
// counters, not deltas.
func (db *Database) RecordPeer(userID, torrentID uint32, active int, uploaded, downloaded, upspeed, downspeed int64,
	left uint64, timespent int64, announces uint32, ip string, port uint16, peerID, userAgent string, now int64) {
	rb := &db.buffers[RecordPeers]
	rb.Lock()
	defer rb.Unlock()

	rb.separate()
	rb.buffer.WriteString("(")
	rb.buffer.WriteString(strconv.FormatUint(uint64(userID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(uint64(torrentID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.Itoa(active))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(uploaded, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(downloaded, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(upspeed, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(downspeed, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(left, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(timespent, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(uint64(announces), 10))
	rb.buffer.WriteString(",")
	writeEscapedString(&rb.buffer, ip)
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(uint64(port), 10))
	rb.buffer.WriteString(",")
	writeEscapedString(&rb.buffer, peerID)
	rb.buffer.WriteString(",")
	writeEscapedString(&rb.buffer, userAgent)
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(now, 10))
	rb.buffer.WriteString(")")
}

// RecordPeerHist (user_id, down_real, left, up_real, upspeed, downspeed,
// timespent, 'peer_id', 'ip', tor_id, now)
func (db *Database) RecordPeerHist(userID uint32, rawDeltaDown int64, left uint64, rawDeltaUp, upspeed, downspeed,
	timespent int64, peerID, ip string, torrentID uint32, now int64) {
	rb := &db.buffers[RecordPeerHist]
	rb.Lock()
	defer rb.Unlock()

	rb.separate()
	rb.buffer.WriteString("(")
	rb.buffer.WriteString(strconv.FormatUint(uint64(userID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(rawDeltaDown, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(left, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(rawDeltaUp, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(upspeed, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(downspeed, 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(timespent, 10))
	rb.buffer.WriteString(",")
	writeEscapedString(&rb.buffer, peerID)
	rb.buffer.WriteString(",")
	writeEscapedString(&rb.buffer, ip)
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatUint(uint64(torrentID), 10))
	rb.buffer.WriteString(",")
	rb.buffer.WriteString(strconv.FormatInt(now, 10))
	rb.buffer.WriteString(")")
}

// BufferLen Number of buffered bytes not yet coalesced into a statement
func (db *Database) BufferLen(kind RecordKind) int {
	rb := &db.buffers[kind]
	rb.Lock()
	defer rb.Unlock()

	return rb.buffer.Len()
}

// QueueLen Number of pending bulk statements for a kind
func (db *Database) QueueLen(kind RecordKind) int {
	rb := &db.buffers[kind]
	rb.Lock()
	defer rb.Unlock()

	return len(rb.queue)
}

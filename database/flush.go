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
	"margay/log"
	"margay/util"
)

/*
 * Each flush coalesces its kind's fragment buffer into one bulk statement
 * and enqueues it. A short-lived worker goroutine per kind drains the queue
 * against a dedicated connection and exits when empty, so inbound requests
 * are never blocked on store latency.
 *
 * The peer and peer-history statements are large and replayed row-by-row by
 * replication, so a binlog-suppression statement is enqueued first whenever
 * their queue is empty; it rides the same dedicated connection.
 */

// maxPeerQueueDepth Hard cap on pending peer bulks; the oldest bulk is shed
// when the store falls this far behind ingress. No other queue sheds.
const maxPeerQueueDepth = 1000

const disableBinlogStatement = "SET session sql_log_bin = 0"

func (db *Database) startFlushing() {
	go util.ContextTick(db.ctx, flushInterval, db.Flush)
}

// Flush Coalesces every kind in a fixed order. Cross-kind statement order
// is not guaranteed once the workers run; downstream tables are
// order-independent across kinds.
func (db *Database) Flush() {
	db.flushUsers()
	db.flushTorrents()
	db.flushSnatches()
	db.flushPeers()
	db.flushPeerHist()
	db.flushTokens()
}

// AllClear True when every queue has drained
func (db *Database) AllClear() bool {
	for kind := RecordKind(0); kind < recordKindCount; kind++ {
		rb := &db.buffers[kind]

		rb.Lock()
		pending := len(rb.queue)
		rb.Unlock()

		if pending > 0 {
			return false
		}
	}

	return true
}

func (db *Database) flushUsers() {
	rb := &db.buffers[RecordUsers]
	rb.Lock()
	defer rb.Unlock()

	if rb.buffer.Len() == 0 {
		return
	}

	rb.queue = append(rb.queue,
		"INSERT INTO users_main (ID, Uploaded, Downloaded, UploadedDaily, DownloadedDaily) VALUES "+
			rb.buffer.String()+
			" ON DUPLICATE KEY UPDATE Uploaded = Uploaded + VALUES(Uploaded), "+
			"Downloaded = Downloaded + VALUES(Downloaded), "+
			"UploadedDaily = UploadedDaily + VALUES(UploadedDaily), "+
			"DownloadedDaily = DownloadedDaily + VALUES(DownloadedDaily)")
	rb.buffer.Reset()
	collector.UpdateQueueLen(RecordUsers.String(), len(rb.queue))

	if len(rb.queue) == 1 && !rb.active {
		rb.active = true

		go db.flushWorker(rb, RecordUsers)
	}
}

func (db *Database) flushTorrents() {
	rb := &db.buffers[RecordTorrents]
	rb.Lock()
	defer rb.Unlock()

	if rb.buffer.Len() == 0 {
		return
	}

	rb.queue = append(rb.queue,
		"INSERT INTO torrents (ID,Seeders,Leechers,Snatched,Balance) VALUES "+
			rb.buffer.String()+
			" ON DUPLICATE KEY UPDATE Seeders=VALUES(Seeders), Leechers=VALUES(Leechers), "+
			"Snatched=Snatched+VALUES(Snatched), Balance=VALUES(Balance), "+
			"last_action = IF(VALUES(Seeders) > 0, NOW(), last_action)")
	rb.buffer.Reset()

	// The control plane registers torrents before the site row is complete;
	// rows that never got an info hash are dropped with each flush
	rb.queue = append(rb.queue, "DELETE FROM torrents WHERE info_hash = ''")
	collector.UpdateQueueLen(RecordTorrents.String(), len(rb.queue))

	if len(rb.queue) == 2 && !rb.active {
		rb.active = true

		go db.flushWorker(rb, RecordTorrents)
	}
}

func (db *Database) flushSnatches() {
	rb := &db.buffers[RecordSnatches]
	rb.Lock()
	defer rb.Unlock()

	if rb.buffer.Len() == 0 {
		return
	}

	rb.queue = append(rb.queue,
		"INSERT INTO xbt_snatched (uid, fid, tstamp, IP) VALUES "+rb.buffer.String())
	rb.buffer.Reset()
	collector.UpdateQueueLen(RecordSnatches.String(), len(rb.queue))

	if len(rb.queue) == 1 && !rb.active {
		rb.active = true

		go db.flushWorker(rb, RecordSnatches)
	}
}

func (db *Database) flushPeers() {
	rb := &db.buffers[RecordPeers]
	rb.Lock()
	defer rb.Unlock()

	// xbt_files_users inserts are slow and ram is not infinite, so this is
	// the one queue with a depth limit
	if len(rb.queue) >= maxPeerQueueDepth {
		rb.queue = rb.queue[1:]
	}

	if rb.buffer.Len() == 0 {
		return
	}

	if len(rb.queue) == 0 {
		rb.queue = append(rb.queue, disableBinlogStatement)
	}

	rb.queue = append(rb.queue,
		"INSERT INTO xbt_files_users (uid,fid,active,uploaded,downloaded,upspeed,downspeed,remaining,"+
			"timespent,announced,ip,port,peer_id,useragent,mtime) VALUES "+
			rb.buffer.String()+
			" ON DUPLICATE KEY UPDATE active=VALUES(active), uploaded=VALUES(uploaded), "+
			"downloaded=VALUES(downloaded), upspeed=VALUES(upspeed), "+
			"downspeed=VALUES(downspeed), remaining=VALUES(remaining), "+
			"timespent=VALUES(timespent), announced=VALUES(announced), "+
			"mtime=VALUES(mtime), port=VALUES(port)")
	rb.buffer.Reset()
	collector.UpdateQueueLen(RecordPeers.String(), len(rb.queue))

	if len(rb.queue) == 2 && !rb.active {
		rb.active = true

		go db.flushWorker(rb, RecordPeers)
	}
}

func (db *Database) flushPeerHist() {
	rb := &db.buffers[RecordPeerHist]
	rb.Lock()
	defer rb.Unlock()

	if rb.buffer.Len() == 0 {
		return
	}

	if len(rb.queue) == 0 {
		rb.queue = append(rb.queue, disableBinlogStatement)
	}

	rb.queue = append(rb.queue,
		"INSERT IGNORE INTO xbt_peers_history (uid, downloaded, remaining, uploaded, upspeed, "+
			"downspeed, timespent, peer_id, ip, fid, mtime) VALUES "+rb.buffer.String())
	rb.buffer.Reset()
	collector.UpdateQueueLen(RecordPeerHist.String(), len(rb.queue))

	if len(rb.queue) == 2 && !rb.active {
		rb.active = true

		go db.flushWorker(rb, RecordPeerHist)
	}
}

func (db *Database) flushTokens() {
	rb := &db.buffers[RecordTokens]
	rb.Lock()
	defer rb.Unlock()

	if rb.buffer.Len() == 0 {
		return
	}

	rb.queue = append(rb.queue,
		"INSERT INTO users_freeleeches (UserID, TorrentID, Downloaded, Uploaded) VALUES "+
			rb.buffer.String()+
			" ON DUPLICATE KEY UPDATE Downloaded = Downloaded + VALUES(Downloaded), "+
			"Uploaded = Uploaded + VALUES(Uploaded)")
	rb.buffer.Reset()
	collector.UpdateQueueLen(RecordTokens.String(), len(rb.queue))

	if len(rb.queue) == 1 && !rb.active {
		rb.active = true

		go db.flushWorker(rb, RecordTokens)
	}
}

/*
 * flushWorker Drains one kind's queue on its own connection. Retryable
 * store errors sleep and re-execute the same statement; there is no poison
 * handling because statements are mechanically generated from internal
 * state. Exits when the queue is empty.
 */
func (db *Database) flushWorker(rb *recordBuffer, kind RecordKind) {
	db.waitGroup.Add(1)
	defer db.waitGroup.Done()

	conn := openWorkerConnection()
	if conn == nil {
		rb.Lock()
		rb.active = false
		rb.Unlock()

		return
	}

	defer func() {
		_ = conn.Close()
	}()

	for {
		rb.Lock()

		if len(rb.queue) == 0 {
			rb.active = false
			rb.Unlock()

			break
		}

		stmt := rb.queue[0]
		rb.Unlock()

		startTime := time.Now()

		if _, err := conn.sqlDb.Exec(stmt); err != nil {
			log.Warning.Printf("{%s} Flush failed, retrying: %s", kind, err)
			collector.IncrementSQLErrorCount()
			time.Sleep(flushRetryPause)

			continue
		}

		collector.UpdateFlushTime(kind.String(), time.Since(startTime))

		rb.Lock()
		rb.queue = rb.queue[1:]
		remaining := len(rb.queue)
		rb.Unlock()

		collector.UpdateQueueLen(kind.String(), remaining)
		log.Info.Printf("{%s} Flushed (%d remain)", kind, remaining)
	}
}

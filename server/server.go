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
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"margay/config"
	"margay/database"
	"margay/database/types"
	"margay/log"
	"margay/server/params"
	"margay/util"
)

type status int32

const (
	open status = iota
	closing
)

var (
	// announceInterval mutable at runtime via the control plane
	announceInterval atomic.Int64

	sitePassword string
	keepSpeed    int64

	readTimeout time.Duration
	maxRequest  int
)

var robotsBody = []byte("User-agent: *\nDisallow: /")

func init() {
	trackerConfig := config.Section("tracker")

	interval, _ := trackerConfig.GetInt("announce_interval", 1800)
	announceInterval.Store(int64(interval))

	sitePassword, _ = trackerConfig.Get("site_password", "")

	speed, _ := trackerConfig.GetInt("keep_speed", 0)
	keepSpeed = int64(speed)

	timeout, _ := trackerConfig.GetInt("read_timeout", 20)
	readTimeout = time.Duration(timeout) * time.Second

	maxRequest, _ = trackerConfig.GetInt("max_request", 8192)
}

type Tracker struct {
	db *database.Database

	status   atomic.Int32
	requests atomic.Uint64

	bufferPool *util.BufferPool
	listener   net.Listener
	startTime  time.Time

	waitGroup sync.WaitGroup
}

var tracker *Tracker

func failure(err string, buf *bytes.Buffer) {
	util.BencodeFailure(buf, err)
}

/*
 * work Routes one raw request buffer. The announce path holds the torrent
 * lock for the whole of announce(), so the Record calls take their buffer
 * locks while it is still held; no path takes a buffer lock first and the
 * torrent lock second.
 */
func (t *Tracker) work(input []byte, ip string, buf *bytes.Buffer) {
	req, err := params.Parse(input)
	if err != nil {
		if errors.Is(err, params.ErrRobots) {
			buf.Write(robotsBody)
			return
		}

		failure(err.Error(), buf)

		return
	}

	if status(t.status.Load()) != open && req.Action != params.Update {
		failure("The tracker is temporarily unavailable.", buf)
		return
	}

	if req.Action == params.Update {
		if req.Passkey != sitePassword {
			failure("Authentication failure", buf)
			return
		}

		update(req, t.db, buf)

		return
	}

	t.db.UsersMutex.RLock()
	user, exists := t.db.Users[req.Passkey]
	t.db.UsersMutex.RUnlock()

	if !exists {
		failure("passkey not found", buf)
		return
	}

	if req.Action == params.Announce {
		infoHash, _ := req.Get("info_hash")

		t.db.TorrentsMutex.Lock()
		defer t.db.TorrentsMutex.Unlock()

		torrent, found := t.db.Torrents[types.TorrentHashFromBytes([]byte(infoHash))]
		if len(infoHash) != types.TorrentHashSize || !found {
			failure("unregistered torrent", buf)
			return
		}

		announce(time.Now().Unix(), torrent, user, req, ip, t.db, buf)

		return
	}

	scrape(req.InfoHashes, t.db, buf)
}

func (t *Tracker) handleConnection(conn net.Conn) {
	t.waitGroup.Add(1)

	defer t.waitGroup.Done()
	defer func() {
		_ = conn.Close()
	}()

	defer func() {
		if err := recover(); err != nil {
			log.Error.Printf("Connection handler panic - %v", err)
			log.WriteStack()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	input := make([]byte, maxRequest)

	n, err := conn.Read(input)
	if err != nil {
		return
	}

	ip := conn.RemoteAddr().String()
	if portIndex := strings.LastIndex(ip, ":"); portIndex != -1 {
		ip = ip[:portIndex]
	}

	buf := t.bufferPool.Take()
	defer t.bufferPool.Give(buf)

	t.work(input[:n], ip, buf)

	var response bytes.Buffer

	response.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nConnection: close\r\nContent-Length: ")
	response.WriteString(strconv.Itoa(buf.Len()))
	response.WriteString("\r\n\r\n")
	response.Write(buf.Bytes())

	// The response is always 200, even on failure
	_, _ = conn.Write(response.Bytes())

	t.requests.Add(1)
}

func Start() {
	tracker = &Tracker{
		db:         &database.Database{},
		bufferPool: util.NewBufferPool(512),
		startTime:  time.Now(),
	}

	tracker.db.Init()

	go startMetrics()

	addr, _ := config.Get("addr", ":34000")

	var err error

	tracker.listener, err = net.Listen("tcp", addr)
	if err != nil {
		panic(err)
	}

	log.Info.Printf("Ready and accepting new connections on %s", addr)

	for {
		conn, err := tracker.listener.Accept()
		if err != nil {
			break
		}

		go tracker.handleConnection(conn)
	}

	// Wait for active connections to finish processing
	tracker.waitGroup.Wait()

	log.Info.Println("Now closed and not accepting any new connections")
	log.Info.Println("Shutdown complete")
}

/*
 * Stop First stage of the shutdown ladder: announces are rejected with a
 * temporarily-unavailable failure while the control plane stays reachable,
 * buffers flush and queues drain, then the listener closes and Start
 * returns. A second signal is the caller's cue to exit uncleanly.
 */
func Stop() {
	tracker.status.Store(int32(closing))
	log.Info.Println("Closing tracker, waiting for flush queues to drain...")

	tracker.db.Terminate()

	_ = tracker.listener.Close()
}

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
	"net/url"
	"strings"
	"testing"

	"margay/database"
	"margay/database/types"
	"margay/server/params"
)

const (
	testPasskey  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testInfoHash = "hhhhhhhhhhhhhhhhhhhh"
	testPeerID   = "pppppppppppppppppppp"
)

func testDatabase() *database.Database {
	return &database.Database{
		Torrents: make(map[types.TorrentHash]*types.Torrent),
		Users:    make(map[string]*types.User),
	}
}

func announceReq(t *testing.T, query string) *params.Request {
	t.Helper()

	input := []byte("GET /" + testPasskey + "/announce?" + query +
		" HTTP/1.1\r\nUser-Agent: Deluge 2.1.1\r\n\r\n")

	req, err := params.Parse(input)
	if err != nil {
		t.Fatalf("Failed to parse announce request: %s", err)
	}

	return req
}

func baseQuery(uploaded, downloaded, left string) string {
	return "info_hash=" + url.QueryEscape(testInfoHash) +
		"&peer_id=" + url.QueryEscape(testPeerID) +
		"&port=6881&uploaded=" + uploaded + "&downloaded=" + downloaded +
		"&left=" + left + "&compact=1"
}

func TestAnnounceFirstLeecher(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	buf := new(bytes.Buffer)
	announce(1700000000, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)

	expected := "d8:completei0e10:downloadedi0e10:incompletei1e8:intervali1800e12:min intervali1800e5:peers0:e"
	if buf.String() != expected {
		t.Fatalf("Got response %s but expected %s!", buf.String(), expected)
	}

	if len(tor.Leechers) != 1 || len(tor.Seeders) != 0 {
		t.Fatalf("Got %d leechers and %d seeders but expected 1 and 0!", len(tor.Leechers), len(tor.Seeders))
	}

	peer := tor.Leechers[types.PeerIDFromRawString(testPeerID)]
	if peer == nil {
		t.Fatal("Peer was not inserted under its peer id!")
	}

	if peer.UserID != 1 || peer.Announces != 1 || peer.UserAgent != "Deluge 2.1.1" {
		t.Fatalf("Peer identity fields not set on fresh epoch: %+v", peer)
	}

	if got := db.BufferLen(database.RecordPeers); got == 0 {
		t.Fatal("Expected a peer record on every announce!")
	}

	// Fresh epoch carries no deltas, so no user accounting
	if got := db.BufferLen(database.RecordUsers); got != 0 {
		t.Fatalf("Got %d buffered user bytes but expected none on a fresh epoch!", got)
	}
}

func TestAnnounceDeltasDoubleSeed(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)
	tor.DoubleSeed = true

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)

	buf.Reset()
	announce(now+60, tor, user, announceReq(t, baseQuery("2000", "500", "500")), "127.0.0.1", db, buf)

	if tor.Balance != 1500 {
		t.Fatalf("Got balance %d but expected 1500!", tor.Balance)
	}

	// Upload doubled by the double-seed policy, download untouched
	if got := db.BufferLen(database.RecordUsers); got != len("(1,4000,500,2000,500)") {
		t.Fatalf("Got %d buffered user bytes but expected the double-seed record!", got)
	}

	peer := tor.Leechers[types.PeerIDFromRawString(testPeerID)]
	if peer.Uploaded != 2000 || peer.Downloaded != 500 || peer.Announces != 2 {
		t.Fatalf("Stored counters not advanced: %+v", peer)
	}
}

func TestAnnounceNeutralZeroesBoth(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Neutral)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)
	announce(now+60, tor, user, announceReq(t, baseQuery("2000", "500", "500")), "127.0.0.1", db, buf)

	// Both adjusted deltas zeroed, but the real deltas still emit a record
	if got := db.BufferLen(database.RecordUsers); got != len("(1,0,0,2000,500)") {
		t.Fatalf("Got %d buffered user bytes but expected the neutral record!", got)
	}

	// The balance runs on pre-policy deltas
	if tor.Balance != 1500 {
		t.Fatalf("Got balance %d but expected 1500!", tor.Balance)
	}
}

func TestAnnounceFreeleechZeroesDownload(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Free)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)
	announce(now+60, tor, user, announceReq(t, baseQuery("0", "500", "500")), "127.0.0.1", db, buf)

	if got := db.BufferLen(database.RecordUsers); got != len("(1,0,0,0,500)") {
		t.Fatalf("Got %d buffered user bytes but expected the freeleech record!", got)
	}
}

func TestAnnounceIdenticalNoDeltas(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("2000", "500", "500")), "127.0.0.1", db, buf)
	announce(now+60, tor, user, announceReq(t, baseQuery("2000", "500", "500")), "127.0.0.1", db, buf)

	if got := db.BufferLen(database.RecordUsers); got != 0 {
		t.Fatalf("Got %d buffered user bytes but expected none for identical announces!", got)
	}

	if tor.Balance != 0 {
		t.Fatalf("Got balance %d but expected 0!", tor.Balance)
	}

	peer := tor.Leechers[types.PeerIDFromRawString(testPeerID)]
	if peer.Announces != 2 {
		t.Fatalf("Got %d announces but expected 2!", peer.Announces)
	}
}

func TestAnnounceStartedForcesFreshEpoch(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("2000", "500", "500")), "127.0.0.1", db, buf)
	announce(now+60, tor, user, announceReq(t, baseQuery("2000", "500", "500")+"&event=started"), "127.0.0.1", db, buf)

	if got := db.BufferLen(database.RecordUsers); got != 0 {
		t.Fatalf("Got %d buffered user bytes but expected none after a started event!", got)
	}

	peer := tor.Leechers[types.PeerIDFromRawString(testPeerID)]
	if peer.Announces != 1 || peer.FirstAnnounced != now+60 {
		t.Fatalf("Started event must reset the accounting epoch: %+v", peer)
	}
}

func TestAnnounceCounterResetIsFreshEpoch(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("2000", "500", "500")), "127.0.0.1", db, buf)
	// The client restarted and reports lower counters; not a negative delta
	announce(now+60, tor, user, announceReq(t, baseQuery("100", "500", "500")), "127.0.0.1", db, buf)

	if got := db.BufferLen(database.RecordUsers); got != 0 {
		t.Fatalf("Got %d buffered user bytes but expected none after a counter reset!", got)
	}

	if tor.Balance != 0 {
		t.Fatalf("Got balance %d but expected 0 after a counter reset!", tor.Balance)
	}
}

func TestAnnounceDeltaClamp(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)
	announce(now+60, tor, user, announceReq(t, baseQuery("2000000000000000", "0", "500")), "127.0.0.1", db, buf)

	if tor.Balance != maxBytesTransferred {
		t.Fatalf("Got balance %d but expected the clamp at %d!", tor.Balance, int64(maxBytesTransferred))
	}
}

func TestAnnounceCorrupt(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)
	announce(now+60, tor, user, announceReq(t, baseQuery("2000", "500", "500")+"&corrupt=100"), "127.0.0.1", db, buf)

	if tor.Balance != 1400 {
		t.Fatalf("Got balance %d but expected 1400 with corrupt bytes deducted!", tor.Balance)
	}
}

func TestAnnounceCompleted(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)

	leecher := tor.Leechers[types.PeerIDFromRawString(testPeerID)]

	buf.Reset()
	announce(now+60, tor, user, announceReq(t, baseQuery("0", "1000", "0")+"&event=completed"), "127.0.0.1", db, buf)

	if tor.Completed != 1 {
		t.Fatalf("Got completed %d but expected 1!", tor.Completed)
	}

	if len(tor.Leechers) != 0 || len(tor.Seeders) != 1 {
		t.Fatalf("Got %d leechers and %d seeders but expected the snatch transition!",
			len(tor.Leechers), len(tor.Seeders))
	}

	seeder := tor.Seeders[types.PeerIDFromRawString(testPeerID)]
	if seeder == leecher {
		t.Fatal("Seeder entry must be a copy of the announced peer, not the same object!")
	}

	if seeder.Downloaded != 1000 || seeder.UserID != 1 {
		t.Fatalf("Seeder copy did not carry the updated peer: %+v", seeder)
	}

	if got := db.BufferLen(database.RecordSnatches); got != len("(1,10,1700000060,'127.0.0.1')") {
		t.Fatalf("Got %d buffered snatch bytes but expected one snatch record!", got)
	}
}

func TestAnnounceStopped(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "0")), "127.0.0.1", db, buf)

	if len(tor.Seeders) != 1 {
		t.Fatalf("Got %d seeders but expected 1!", len(tor.Seeders))
	}

	buf.Reset()
	announce(now+60, tor, user, announceReq(t, baseQuery("0", "0", "0")+"&event=stopped"), "127.0.0.1", db, buf)

	if len(tor.Seeders) != 0 {
		t.Fatalf("Got %d seeders but expected the stopped peer removed!", len(tor.Seeders))
	}

	if !strings.Contains(buf.String(), "5:peers0:") {
		t.Fatalf("Got response %s but expected empty peers on stopped!", buf.String())
	}
}

func TestAnnounceRejections(t *testing.T) {
	db := testDatabase()
	db.Blacklist = []string{"-XX"}

	user := &types.User{ID: 1, CanLeech: true}
	noLeech := &types.User{ID: 2, CanLeech: false}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	cases := []struct {
		name     string
		user     *types.User
		query    string
		expected string
	}{
		{
			"no compact",
			user,
			"info_hash=" + url.QueryEscape(testInfoHash) + "&peer_id=" + url.QueryEscape(testPeerID) +
				"&port=6881&uploaded=0&downloaded=0&left=0",
			"Your client does not support compact announces",
		},
		{
			"no peer id",
			user,
			"info_hash=" + url.QueryEscape(testInfoHash) + "&port=6881&uploaded=0&downloaded=0&left=0&compact=1",
			"no peer id",
		},
		{
			"blacklisted",
			user,
			"info_hash=" + url.QueryEscape(testInfoHash) + "&peer_id=" + url.QueryEscape("-XX0000-abcdefghijkl") +
				"&port=6881&uploaded=0&downloaded=0&left=0&compact=1",
			"Your client is blacklisted!",
		},
		{
			"leeching forbidden",
			noLeech,
			baseQuery("0", "0", "1000"),
			"Access denied, leeching forbidden",
		},
		{
			"bad ip characters",
			user,
			baseQuery("0", "0", "1000") + "&ip=fe80%3A%3A1",
			"Unexpected character in IP address. Only IPv4 is currently supported",
		},
		{
			"bad ip length",
			user,
			baseQuery("0", "0", "1000") + "&ip=10.0.0.0.1",
			"Specified IP address is of a bad length",
		},
	}

	for _, c := range cases {
		buf := new(bytes.Buffer)
		announce(now, tor, c.user, announceReq(t, c.query), "127.0.0.1", db, buf)

		failureBuf := new(bytes.Buffer)
		failure(c.expected, failureBuf)

		if buf.String() != failureBuf.String() {
			t.Fatalf("%s: got %s but expected %s!", c.name, buf.String(), failureBuf.String())
		}
	}
}

func TestAnnounceNumWant(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	// 60 leechers in the swarm; the requester is a seeder
	for i := 0; i < 60; i++ {
		id := types.PeerIDFromRawString("-LE0000-0000000000" + string(rune('A'+i/26)) + string(rune('a'+i%26)))
		tor.Leechers[id] = &types.Peer{
			Addr:          types.PeerAddr{10, 0, byte(i / 256), byte(i % 256), 0x1a, 0xe1},
			LastAnnounced: 1700000000,
			Left:          1000,
		}
	}

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "0")), "127.0.0.1", db, buf)

	if !strings.Contains(buf.String(), "5:peers300:") {
		t.Fatalf("Got response %s but expected 50 compact peers for the default numwant!", buf.String())
	}

	buf.Reset()
	announce(now+1, tor, user, announceReq(t, baseQuery("0", "0", "0")+"&numwant=70"), "127.0.0.1", db, buf)

	if !strings.Contains(buf.String(), "5:peers300:") {
		t.Fatalf("Got response %s but expected numwant capped at 50!", buf.String())
	}

	buf.Reset()
	announce(now+2, tor, user, announceReq(t, baseQuery("0", "0", "0")+"&numwant=10"), "127.0.0.1", db, buf)

	if !strings.Contains(buf.String(), "5:peers60:") {
		t.Fatalf("Got response %s but expected 10 compact peers!", buf.String())
	}

	buf.Reset()
	announce(now+3, tor, user, announceReq(t, baseQuery("0", "0", "0")+"&numwant=0"), "127.0.0.1", db, buf)

	if !strings.Contains(buf.String(), "5:peers0:") {
		t.Fatalf("Got response %s but expected empty peers for numwant=0!", buf.String())
	}
}

func TestAnnounceLeecherExcludesSelf(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	otherAddr := types.PeerAddr{10, 0, 0, 2, 0x1a, 0xe1}
	otherID := types.PeerIDFromRawString("-OT0000-000000000001")
	tor.Leechers[otherID] = &types.Peer{Addr: otherAddr, LastAnnounced: 1700000000, Left: 1000}

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "10.0.0.1", db, buf)

	response := buf.String()

	peersIdx := strings.Index(response, "5:peers")
	if peersIdx == -1 {
		t.Fatalf("Got response %s without a peers key!", response)
	}

	peers := response[peersIdx:]
	if !strings.HasPrefix(peers, "5:peers6:") {
		t.Fatalf("Got %s but expected exactly one peer (the other leecher)!", peers)
	}

	if !bytes.Contains([]byte(peers), otherAddr[:]) {
		t.Fatalf("Response peers must contain the other leecher's compact blob!")
	}

	requester := tor.Leechers[types.PeerIDFromRawString(testPeerID)]
	if bytes.Count([]byte(peers), requester.Addr[:]) != 0 {
		t.Fatal("Response peers must not contain the requester's own blob!")
	}
}

func TestSeederRoundRobin(t *testing.T) {
	tor := types.NewTorrent(10, types.Normal)

	addrs := make(map[types.PeerAddr]int)

	for i := 0; i < 3; i++ {
		id := types.PeerIDFromRawString("-SE0000-00000000000" + string(rune('a'+i)))
		addr := types.PeerAddr{10, 0, 0, byte(i + 1), 0x1a, 0xe1}
		tor.Seeders[id] = &types.Peer{ID: id, Addr: addr}
		addrs[addr] = 0
	}

	// Three successive single-peer selections must visit all three seeders
	for i := 0; i < 3; i++ {
		peers := appendSeeders(tor, nil, 1)
		if len(peers) != types.PeerAddrSize {
			t.Fatalf("Got %d peer bytes but expected one compact blob!", len(peers))
		}

		var addr types.PeerAddr

		copy(addr[:], peers)
		addrs[addr]++
	}

	for addr, count := range addrs {
		if count != 1 {
			t.Fatalf("Seeder %v was selected %d times but round robin demands exactly once!", addr, count)
		}
	}

	// The cursor wraps and keeps cycling
	peers := appendSeeders(tor, nil, 1)
	var addr types.PeerAddr

	copy(addr[:], peers)

	if addrs[addr] != 1 {
		t.Fatal("Fourth selection must wrap to an already-visited seeder!")
	}
}

func TestSeederRoundRobinLostCursor(t *testing.T) {
	tor := types.NewTorrent(10, types.Normal)

	id := types.PeerIDFromRawString("-SE0000-00000000000a")
	tor.Seeders[id] = &types.Peer{ID: id, Addr: types.PeerAddr{10, 0, 0, 1, 0x1a, 0xe1}}

	// Cursor points at a seeder that has left the swarm
	tor.LastSelectedSeeder = types.PeerIDFromRawString("-GO0000-000000000000")

	peers := appendSeeders(tor, nil, 1)
	if len(peers) != types.PeerAddrSize {
		t.Fatalf("Got %d peer bytes but expected fallback to the first seeder!", len(peers))
	}

	if tor.LastSelectedSeeder != id {
		t.Fatal("Cursor must advance to the emitted seeder!")
	}
}

func TestAnnounceTorrentRecordTrigger(t *testing.T) {
	db := testDatabase()
	user := &types.User{ID: 1, CanLeech: true}
	tor := types.NewTorrent(10, types.Normal)

	now := int64(1700000000)

	buf := new(bytes.Buffer)
	announce(now, tor, user, announceReq(t, baseQuery("0", "0", "1000")), "127.0.0.1", db, buf)

	if tor.LastFlushed != now {
		t.Fatal("Insert must mark the torrent flushed!")
	}

	if got := db.BufferLen(database.RecordTorrents); got == 0 {
		t.Fatal("Expected a torrent record after an insert!")
	}
}

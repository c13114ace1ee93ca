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

package params

import (
	"errors"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"margay/util"
)

const testPasskey = "abcdefghijklmnopqrstuvwxyz012345"

func announceRequest(query string) []byte {
	return []byte("GET /" + testPasskey + "/announce?" + query +
		" HTTP/1.1\r\nHost: tracker.local\r\nUser-Agent: Deluge 2.1.1\r\nAccept-Encoding: gzip\r\n\r\n")
}

func randomHash() string {
	token := make([]byte, 20)
	_, _ = util.ReadRand(token)

	return string(token)
}

func TestParseAnnounce(t *testing.T) {
	infoHash := randomHash()
	peerID := "-DE211s-" + util.RandStringBytes(12)

	query := "info_hash=" + url.QueryEscape(infoHash) +
		"&peer_id=" + url.QueryEscape(peerID) +
		"&port=6881&uploaded=1024&downloaded=512&left=0&compact=1"

	r, err := Parse(announceRequest(query))
	if err != nil {
		panic(err)
	}

	if r.Action != Announce {
		t.Fatalf("Got action %d but expected announce!", r.Action)
	}

	if r.Passkey != testPasskey {
		t.Fatalf("Got passkey %s but expected %s!", r.Passkey, testPasskey)
	}

	if got, _ := r.Get("info_hash"); got != infoHash {
		t.Fatalf("Got info_hash %x but expected %x!", got, infoHash)
	}

	if got, _ := r.Get("peer_id"); got != peerID {
		t.Fatalf("Got peer_id %s but expected %s!", got, peerID)
	}

	if got, _ := r.GetUint16("port"); got != 6881 {
		t.Fatalf("Got port %d but expected 6881!", got)
	}

	if got, _ := r.GetUint64("left"); got != 0 {
		t.Fatalf("Got left %d but expected 0!", got)
	}

	if got, _ := r.GetInt64("uploaded"); got != 1024 {
		t.Fatalf("Got uploaded %d but expected 1024!", got)
	}

	if got, exists := r.Headers["user-agent"]; !exists || got != "Deluge 2.1.1" {
		t.Fatalf("Got user-agent %q but expected \"Deluge 2.1.1\"!", got)
	}

	if _, exists := r.Headers["host"]; !exists {
		t.Fatal("Expected lowercased host header to exist!")
	}
}

func TestParseScrapeInfoHashes(t *testing.T) {
	hashes := []string{randomHash(), randomHash(), randomHash()}
	// A duplicate must be preserved in order
	hashes = append(hashes, hashes[0])

	var query strings.Builder

	for i, hash := range hashes {
		if i > 0 {
			query.WriteString("&")
		}

		query.WriteString("info_hash=" + url.QueryEscape(hash))
	}

	input := []byte("GET /" + testPasskey + "/scrape?" + query.String() + " HTTP/1.1\r\n\r\n")

	r, err := Parse(input)
	if err != nil {
		panic(err)
	}

	if r.Action != Scrape {
		t.Fatalf("Got action %d but expected scrape!", r.Action)
	}

	if !reflect.DeepEqual(r.InfoHashes, hashes) {
		t.Fatalf("Parsed info hashes (%x) are not deeply equal as original (%x)!", r.InfoHashes, hashes)
	}

	if _, exists := r.Params["info_hash"]; exists {
		t.Fatal("Scrape info_hash values must not land in the params map!")
	}
}

func TestParseUpdate(t *testing.T) {
	input := []byte("GET /" + testPasskey + "/update?action=add_user&passkey=" +
		strings.Repeat("f", 32) + "&id=42 HTTP/1.1\r\n\r\n")

	r, err := Parse(input)
	if err != nil {
		panic(err)
	}

	if r.Action != Update {
		t.Fatalf("Got action %d but expected update!", r.Action)
	}

	if got, _ := r.Get("action"); got != "add_user" {
		t.Fatalf("Got action param %s but expected add_user!", got)
	}

	if got, _ := r.Get("id"); got != "42" {
		t.Fatalf("Got id param %s but expected 42!", got)
	}
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse([]byte("GET / HTTP/1.1\r\n\r\n"))
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("Got %v but expected ErrTooShort!", err)
	}
}

func TestParseRobots(t *testing.T) {
	input := []byte("GET /robots.txt HTTP/1.1\r\nUser-Agent: SearchBot (crawler@example.com)\r\n\r\n")
	if len(input) < 60 {
		panic("test request too short to reach the probe check")
	}

	_, err := Parse(input)
	if !errors.Is(err, ErrRobots) {
		t.Fatalf("Got %v but expected ErrRobots!", err)
	}
}

func TestParseMalformed(t *testing.T) {
	input := []byte("GET /someotherpath HTTP/1.1\r\nUser-Agent: NotATorrentClient yes really\r\n\r\n")

	_, err := Parse(input)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Got %v but expected ErrMalformed!", err)
	}
}

func TestParseInvalidAction(t *testing.T) {
	input := []byte("GET /" + testPasskey + "/bogus?key=value HTTP/1.1\r\n\r\n")

	_, err := Parse(input)
	if !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("Got %v but expected ErrInvalidAction!", err)
	}
}

func TestParseEscapedQuery(t *testing.T) {
	input := announceRequest("%21%40%23=%24%25%5E&compact=1")

	r, err := Parse(input)
	if err != nil {
		panic(err)
	}

	if got, exists := r.Get("!@#"); !exists || got != "$%^" {
		t.Fatalf("Got parsed value %s but expected $%%^ for \"!@#\"!", got)
	}
}

func TestGetUintInvalid(t *testing.T) {
	r, err := Parse(announceRequest("port=notanumber&compact=1"))
	if err != nil {
		panic(err)
	}

	if _, exists := r.GetUint16("port"); exists {
		t.Fatal("Expected non-numeric port to not exist!")
	}
}

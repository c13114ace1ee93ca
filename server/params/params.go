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

// Package params parses a raw tracker request buffer. Ugly but fast;
// the request line has exactly the shape
// `GET /<32-char passkey>/<action><query> HTTP/1.1`.
package params

import (
	"bytes"
	"errors"
	"net/url"
	"strconv"
)

type Action uint8

const (
	Invalid Action = iota
	Announce
	Scrape
	Update
)

var (
	ErrTooShort      = errors.New("GET string too short")
	ErrRobots        = errors.New("robots.txt requested")
	ErrMalformed     = errors.New("Malformed announce")
	ErrInvalidAction = errors.New("invalid action")
)

type Request struct {
	Passkey string
	Action  Action

	Params map[string]string

	// InfoHashes Scrape only: raw 20-byte hashes in request order,
	// duplicates preserved
	InfoHashes []string

	// Headers Keys lowercased
	Headers map[string]string
}

const (
	passkeyStart = 5
	passkeyEnd   = 37
	actionPos    = 38
)

func Parse(input []byte) (*Request, error) {
	if len(input) < 60 { // Way too short to be anything useful
		return nil, ErrTooShort
	}

	if input[passkeyEnd] != '/' {
		if input[11] == '.' {
			return nil, ErrRobots
		}

		return nil, ErrMalformed
	}

	r := &Request{
		Passkey: string(input[passkeyStart:passkeyEnd]),
		Params:  make(map[string]string),
		Headers: make(map[string]string),
	}

	pos := actionPos

	switch input[pos] {
	case 'a':
		r.Action = Announce
		pos += 9
	case 's':
		r.Action = Scrape
		pos += 7
	case 'u':
		r.Action = Update
		pos += 7
	default:
		return nil, ErrInvalidAction
	}

	var key, value bytes.Buffer

	commit := func() {
		k := unescape(key.String())
		v := unescape(value.String())

		if r.Action == Scrape && k == "info_hash" {
			r.InfoHashes = append(r.InfoHashes, v)
		} else {
			r.Params[k] = v
		}

		key.Reset()
		value.Reset()
	}

	parsingKey := true

	for ; pos < len(input); pos++ {
		c := input[pos]

		if c == '=' {
			parsingKey = false
		} else if c == '&' || c == ' ' {
			commit()

			parsingKey = true

			if c == ' ' {
				break
			}
		} else if parsingKey {
			key.WriteByte(c)
		} else {
			value.WriteByte(c)
		}
	}

	pos += 10 // skip HTTP/1.1, lenient towards clients that don't send \r

	parsingKey = true
	foundData := false

	for ; pos < len(input); pos++ {
		c := input[pos]

		if c == ':' {
			parsingKey = false
			pos++ // skip space after :
		} else if c == '\n' || c == '\r' {
			parsingKey = true

			if foundData {
				foundData = false
				r.Headers[lower(key.String())] = value.String()

				key.Reset()
				value.Reset()
			}
		} else {
			foundData = true

			if parsingKey {
				key.WriteByte(c)
			} else {
				value.WriteByte(c)
			}
		}
	}

	return r, nil
}

// unescape Percent-decodes a query token; a token that does not decode is
// used as-is rather than failing the whole request
func unescape(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}

	return decoded
}

func lower(s string) string {
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}

	return string(b)
}

func (r *Request) Get(which string) (ret string, exists bool) {
	ret, exists = r.Params[which]
	return
}

func (r *Request) getUint(which string, bitSize int) (ret uint64, exists bool) {
	str, exists := r.Params[which]
	if exists {
		var err error

		ret, err = strconv.ParseUint(str, 10, bitSize)
		if err != nil {
			exists = false
		}
	}

	return
}

func (r *Request) GetUint64(which string) (ret uint64, exists bool) {
	return r.getUint(which, 64)
}

func (r *Request) GetUint16(which string) (ret uint16, exists bool) {
	tmp, exists := r.getUint(which, 16)
	ret = uint16(tmp)

	return
}

func (r *Request) GetInt64(which string) (ret int64, exists bool) {
	str, exists := r.Params[which]
	if exists {
		var err error

		ret, err = strconv.ParseInt(str, 10, 64)
		if err != nil {
			exists = false
		}
	}

	return
}

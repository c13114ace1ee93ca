package util

import (
	"bytes"
	"strconv"

	cdb "margay/database/types"
)

func bencodeWriteInt64[T ~int64 | ~int](buf *bytes.Buffer, v T) {
	// Static allocation, length of max int64
	var lenBuf [20]byte

	buf.Write(strconv.AppendInt(lenBuf[:0], int64(v), 10))
}

func bencodeWriteString[T ~string | ~[]byte](buf *bytes.Buffer, v T) {
	bencodeWriteInt64(buf, len(v))
	buf.WriteByte(':')
	buf.Write([]byte(v))
}

func bencodeWriteNumber[T ~int64 | ~int](buf *bytes.Buffer, v T) {
	buf.WriteByte('i')
	bencodeWriteInt64(buf, v)
	buf.WriteByte('e')
}

func BencodeFailure(buf *bytes.Buffer, err string) {
	buf.WriteByte('d')

	bencodeWriteString(buf, "failure reason")
	bencodeWriteString(buf, err)

	buf.WriteByte('e')
}

// BencodeAnnounce Writes the full announce response. The protocol mandates
// this exact key order; peers is the concatenation of compact 6-byte blobs.
func BencodeAnnounce(buf *bytes.Buffer, complete, downloaded, incomplete int64, interval, minInterval int, peers []byte) {
	buf.WriteByte('d')

	bencodeWriteString(buf, "complete")
	bencodeWriteNumber(buf, complete)

	bencodeWriteString(buf, "downloaded")
	bencodeWriteNumber(buf, downloaded)

	bencodeWriteString(buf, "incomplete")
	bencodeWriteNumber(buf, incomplete)

	bencodeWriteString(buf, "interval")
	bencodeWriteNumber(buf, interval)

	bencodeWriteString(buf, "min interval")
	bencodeWriteNumber(buf, minInterval)

	bencodeWriteString(buf, "peers")
	bencodeWriteString(buf, peers)

	buf.WriteByte('e')
}

// BencodeScrapeHeader Writes the scrape header.
// Call BencodeScrapeTorrent afterwards, then finish with BencodeScrapeFooter
func BencodeScrapeHeader(buf *bytes.Buffer) {
	buf.WriteByte('d')

	bencodeWriteString(buf, "files")

	buf.WriteByte('d')
}

func BencodeScrapeTorrent(buf *bytes.Buffer, infoHash cdb.TorrentHash, complete, downloaded, incomplete int64) {
	bencodeWriteString(buf, infoHash[:])

	buf.WriteByte('d')

	bencodeWriteString(buf, "complete")
	bencodeWriteNumber(buf, complete)

	bencodeWriteString(buf, "downloaded")
	bencodeWriteNumber(buf, downloaded)

	bencodeWriteString(buf, "incomplete")
	bencodeWriteNumber(buf, incomplete)

	buf.WriteByte('e')
}

func BencodeScrapeFooter(buf *bytes.Buffer) {
	buf.WriteByte('e')
	buf.WriteByte('e')
}

package wsmux

import (
	"bytes"
	"strings"
)

// Tag identifies the command carried by a frame's header.
type Tag string

// The complete frame tag set, both directions. Tags are case-sensitive.
const (
	TagTCP          Tag = "TCP"
	TagData         Tag = "DATA"
	TagClose        Tag = "CLOSE"
	TagUDPConnect   Tag = "UDP_CONNECT"
	TagUDPData      Tag = "UDP_DATA"
	TagUDPClose     Tag = "UDP_CLOSE"
	TagClaim        Tag = "CLAIM"
	TagConnected    Tag = "CONNECTED"
	TagUDPConnected Tag = "UDP_CONNECTED"
	TagUDPError     Tag = "UDP_ERROR"
	TagClaimAck     Tag = "CLAIM_ACK"
)

// textFieldCounts gives, per spec.md's §4.1 table, the minimum and maximum
// number of '|'-separated fields following the tag for each client-originated
// text frame. Only TCP's trailing initial-bytes field is optional. The last
// field for a given tag absorbs any extra '|' characters literally rather
// than being split further.
type fieldRange struct{ min, max int }

var textFieldCounts = map[Tag]fieldRange{
	TagTCP:        {2, 3}, // cid | host:port | first-bytes (optional)
	TagData:       {2, 2}, // cid | text-payload
	TagClose:      {1, 1}, // cid
	TagUDPConnect: {2, 2}, // cid | host:port
	TagUDPClose:   {1, 1}, // cid
	TagClaim:      {2, 2}, // a | b
}

// Frame is a single parsed message, either inbound from the client or outbound
// to it. Payload is nil for text-only control frames.
type Frame struct {
	Tag     Tag
	Fields  []string
	Binary  bool
	Payload []byte
}

// CID returns the frame's connection id, which by convention is always the
// first field, or "" if the frame carries no fields.
func (f Frame) CID() string {
	if len(f.Fields) == 0 {
		return ""
	}
	return f.Fields[0]
}

// ParseTextFrame parses a text WebSocket message into a Frame. It returns
// ok=false if the tag is unrecognized, the field count doesn't match the tag,
// or the CID field is empty -- per spec.md §4.1, such frames are silently
// dropped and have no side effects.
func ParseTextFrame(msg string) (Frame, bool) {
	colon := strings.IndexByte(msg, ':')
	if colon < 0 {
		return Frame{}, false
	}
	tag := Tag(msg[:colon])
	rest := msg[colon+1:]

	fr, known := textFieldCounts[tag]
	if !known {
		return Frame{}, false
	}

	fields := splitN(rest, '|', fr.max)
	if len(fields) < fr.min || len(fields) > fr.max {
		return Frame{}, false
	}
	if fields[0] == "" {
		return Frame{}, false
	}
	return Frame{Tag: tag, Fields: fields}, true
}

// splitN splits s on sep into exactly n fields, with the final field retaining
// any further occurrences of sep literally (spec.md: "extra '|' characters in
// the last field are preserved literally"). It returns fewer than n fields if s
// doesn't contain enough separators.
func splitN(s string, sep byte, n int) []string {
	if n <= 1 {
		return []string{s}
	}
	fields := make([]string, 0, n)
	for len(fields) < n-1 {
		idx := strings.IndexByte(s, sep)
		if idx < 0 {
			break
		}
		fields = append(fields, s[:idx])
		s = s[idx+1:]
	}
	fields = append(fields, s)
	return fields
}

// ParseBinaryFrame parses a client-originated (C->S) binary WebSocket
// message. Both binary tags a client may send -- DATA and UDP_DATA -- carry
// only a "cid|" header (spec.md §4.1's table); the header ends at the byte
// following that single pipe, and everything after is opaque payload,
// scanned for by byte offset rather than decoded as text, so bytes >= 0x80
// in the payload are never corrupted. The S->C UDP_DATA reply adds a second,
// src-address field, but that framing is only ever emitted (EncodeUDPData),
// never parsed back in by this gateway.
func ParseBinaryFrame(msg []byte) (Frame, bool) {
	colon := bytes.IndexByte(msg, ':')
	if colon < 0 {
		return Frame{}, false
	}
	tag := Tag(msg[:colon])

	var headerPipes int
	switch tag {
	case TagData, TagUDPData:
		headerPipes = 1
	default:
		return Frame{}, false
	}

	pos := colon + 1
	fields := make([]string, 0, headerPipes)
	for i := 0; i < headerPipes; i++ {
		idx := bytes.IndexByte(msg[pos:], '|')
		if idx < 0 {
			return Frame{}, false
		}
		fields = append(fields, string(msg[pos:pos+idx]))
		pos += idx + 1
	}
	if fields[0] == "" {
		return Frame{}, false
	}
	return Frame{Tag: tag, Fields: fields, Binary: true, Payload: msg[pos:]}, true
}

// EncodeConnected builds the S->C "CONNECTED:cid" text frame.
func EncodeConnected(cid string) string {
	return string(TagConnected) + ":" + cid
}

// EncodeClose builds the S->C "CLOSE:cid" text frame.
func EncodeClose(cid string) string {
	return string(TagClose) + ":" + cid
}

// EncodeData builds the S->C binary "DATA:cid|" header; the caller appends payload.
func EncodeData(cid string) []byte {
	return []byte(string(TagData) + ":" + cid + "|")
}

// EncodeUDPConnected builds the S->C "UDP_CONNECTED:cid" text frame.
func EncodeUDPConnected(cid string) string {
	return string(TagUDPConnected) + ":" + cid
}

// EncodeUDPData builds the S->C binary "UDP_DATA:cid|src-host:src-port|" header;
// the caller appends the datagram payload.
func EncodeUDPData(cid, srcAddr string) []byte {
	return []byte(string(TagUDPData) + ":" + cid + "|" + srcAddr + "|")
}

// EncodeUDPError builds the S->C "UDP_ERROR:cid|message" text frame.
func EncodeUDPError(cid, message string) string {
	return string(TagUDPError) + ":" + cid + "|" + message
}

// EncodeClaimAck builds the S->C "CLAIM_ACK:a|b" text frame.
func EncodeClaimAck(a, b string) string {
	return string(TagClaimAck) + ":" + a + "|" + b
}

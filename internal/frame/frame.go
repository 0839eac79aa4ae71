// Package frame implements the wire framing the core needs to answer
// one question about a connection's receive buffer: is there a
// complete message in it yet?
package frame

import "encoding/binary"

// headerSize is the width of the length prefix in bytes.
const headerSize = 4

// Codec extracts complete frames from the front of buf without
// mutating it. consumed is the number of leading bytes of buf that
// were folded into the returned frames; the caller is responsible for
// dropping those bytes once satisfied with the result. Codec
// implementations must be safe to call repeatedly on an unchanged buf
// and return the same (empty, for anything already consumed) result
// each time.
type Codec interface {
	Drain(buf []byte) (frames [][]byte, consumed int)
}

// LengthPrefixed is the default Codec: a big-endian uint32 byte count
// followed by exactly that many payload bytes. A zero-length payload
// is a valid frame.
type LengthPrefixed struct{}

// Drain implements Codec.
func (LengthPrefixed) Drain(buf []byte) ([][]byte, int) {
	var frames [][]byte
	consumed := 0
	for {
		rest := buf[consumed:]
		if len(rest) < headerSize {
			break
		}
		n := binary.BigEndian.Uint32(rest[:headerSize])
		if len(rest)-headerSize < int(n) {
			break
		}
		payload := make([]byte, n)
		copy(payload, rest[headerSize:headerSize+int(n)])
		frames = append(frames, payload)
		consumed += headerSize + int(n)
	}
	return frames, consumed
}

// AppendFrame appends a length-prefixed encoding of payload to dst,
// returning the extended slice. Mainly useful for tests and for
// callers writing frames back out on a Stream.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}

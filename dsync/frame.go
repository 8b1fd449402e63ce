// Package dsync implements the record synchronization protocol.
//
// A session runs over any reliable byte stream. Frames are a one-byte
// tag and a big-endian length prefix; payloads are canonical
// protobuf-wire messages. One session syncs one record in both
// directions:
//
//	client -> Begin(record, client version)
//	server -> NotFound                        (and the session ends)
//	server -> Blobs(needed blob hashes, server version)
//	client -> Ready                           (after fetching the blobs)
//	server -> Envelope*                       (what the client lacks)
//	server -> Done
//	client -> Envelope*                       (what the server lacks)
//	client -> Done
//
// The client fetches the announced blobs out of band before Ready,
// so by the time envelopes replay, every hash they mention resolves.
package dsync

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame tags.
const (
	tagBegin byte = iota + 1
	tagNotFound
	tagBlobs
	tagReady
	tagEnvelope
	tagDone
)

// MaxFrame bounds a frame payload.
// Envelopes are capped well below this at admission.
const MaxFrame = 4 << 20

func writeFrame(w io.Writer, tag byte, payload []byte) error {
	if len(payload) > MaxFrame {
		return errors.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	hdr := make([]byte, 5)
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	_, err := w.Write(payload)
	return errors.Wrap(err, "writing frame payload")
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, errors.Wrap(err, "reading frame header")
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFrame {
		return 0, nil, errors.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Wrap(err, "reading frame payload")
	}
	return hdr[0], payload, nil
}

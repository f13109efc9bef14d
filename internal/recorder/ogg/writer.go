// Package ogg implements a multiplexing Ogg container writer.
//
// A [Writer] owns one output sink and appends complete Ogg pages to it. Each
// speaker track is a [Stream]: a logical bitstream with its own serial
// number, page sequence counter, and granule position. Packets from many
// streams interleave at page granularity into the shared sink, which is what
// standard decoders expect from a multi-track Ogg file.
//
// The writer is deliberately not safe for concurrent use: the container
// format requires strictly increasing page sequence numbers per stream and a
// single append point, so exactly one goroutine may drive a Writer and all
// of its Streams.
package ogg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	// maxLacing is the maximum number of segment-table entries per page.
	maxLacing = 255

	// pagePacketTarget bounds how many packets accumulate in one page
	// before it is flushed. Ten 20 ms packets per page keeps pages around
	// 200 ms, small enough for seeking and interleave fairness.
	pagePacketTarget = 10

	headerTypeContinued = 0x01
	headerTypeBOS       = 0x02
	headerTypeEOS       = 0x04
)

// ErrStreamClosed is returned when writing to a [Stream] after Close.
var ErrStreamClosed = errors.New("ogg: stream closed")

// Writer appends Ogg pages from one or more logical streams to a sink.
type Writer struct {
	w io.Writer
	n atomic.Int64
}

// NewWriter creates a Writer that appends pages to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// BytesWritten reports the total number of container bytes written so far.
// Safe to call concurrently with writes.
func (w *Writer) BytesWritten() int64 {
	return w.n.Load()
}

// NewStream allocates a logical bitstream with the given serial number.
// The first page written for the stream carries the beginning-of-stream
// flag. Serial numbers must be unique within one Writer.
func (w *Writer) NewStream(serial uint32) *Stream {
	return &Stream{
		w:      w,
		serial: serial,
		bos:    true,
	}
}

// Stream is one logical bitstream inside a shared Ogg file. It accumulates
// packets into a page under construction and flushes complete pages to the
// parent [Writer].
type Stream struct {
	w      *Writer
	serial uint32

	pageSeq uint32
	bos     bool
	closed  bool

	// Page under construction.
	lacing  []byte
	payload []byte
	granule uint64 // granule of the last packet completing on this page
	packets int
}

// Serial returns the stream's serial number.
func (s *Stream) Serial() uint32 {
	return s.serial
}

// WritePacket appends one packet with the given ending granule position to
// the stream. The page under construction is flushed automatically when it
// cannot hold another packet. Packets must be shorter than 255*255 bytes so
// they never span pages; Opus audio packets are far below that bound.
func (s *Stream) WritePacket(pkt []byte, granule uint64) error {
	if s.closed {
		return ErrStreamClosed
	}
	if len(pkt) >= maxLacing*maxLacing {
		return fmt.Errorf("ogg: packet of %d bytes exceeds single-page bound", len(pkt))
	}

	need := len(pkt)/maxLacing + 1
	if len(s.lacing)+need > maxLacing || s.packets >= pagePacketTarget {
		if err := s.Flush(); err != nil {
			return err
		}
	}

	rest := len(pkt)
	for rest >= maxLacing {
		s.lacing = append(s.lacing, maxLacing)
		rest -= maxLacing
	}
	s.lacing = append(s.lacing, byte(rest))
	s.payload = append(s.payload, pkt...)
	s.granule = granule
	s.packets++
	return nil
}

// Flush writes the page under construction, if it holds any packets.
// Header packets must be followed by a Flush so they terminate their page,
// as the Opus-in-Ogg mapping requires.
func (s *Stream) Flush() error {
	if s.packets == 0 {
		return nil
	}
	return s.emitPage(false)
}

// Close flushes any buffered packets and terminates the stream with an
// end-of-stream page carrying the given final granule position. If packets
// are pending they form the EOS page; otherwise a zero-length packet is
// emitted so the EOS flag has a page to ride on. Close is idempotent in
// effect: subsequent writes fail with [ErrStreamClosed].
func (s *Stream) Close(granule uint64) error {
	if s.closed {
		return nil
	}
	if s.packets == 0 {
		// Zero-length packet: a single lacing value of 0.
		s.lacing = append(s.lacing, 0)
		s.packets++
	}
	s.granule = granule
	if err := s.emitPage(true); err != nil {
		return err
	}
	s.closed = true
	return nil
}

// Closed reports whether the stream's EOS page has been written.
func (s *Stream) Closed() bool {
	return s.closed
}

// emitPage assembles the current page, checksums it, and appends it to the
// parent writer's sink.
func (s *Stream) emitPage(eos bool) error {
	var headerType byte
	if s.bos {
		headerType |= headerTypeBOS
	}
	if eos {
		headerType |= headerTypeEOS
	}

	header := make([]byte, 27, 27+len(s.lacing))
	copy(header, "OggS")
	header[4] = 0 // stream structure version
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:], s.granule)
	binary.LittleEndian.PutUint32(header[14:], s.serial)
	binary.LittleEndian.PutUint32(header[18:], s.pageSeq)
	// header[22:26] is the CRC, filled in below.
	header[26] = byte(len(s.lacing))
	header = append(header, s.lacing...)

	crc := crcUpdate(0, header)
	crc = crcUpdate(crc, s.payload)
	binary.LittleEndian.PutUint32(header[22:], crc)

	if _, err := s.w.w.Write(header); err != nil {
		return fmt.Errorf("ogg: write page header: %w", err)
	}
	if _, err := s.w.w.Write(s.payload); err != nil {
		return fmt.Errorf("ogg: write page payload: %w", err)
	}
	s.w.n.Add(int64(len(header) + len(s.payload)))

	s.pageSeq++
	s.bos = false
	s.lacing = s.lacing[:0]
	s.payload = s.payload[:0]
	s.packets = 0
	return nil
}

package ogg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrBadPage is returned when a page fails structural or checksum validation.
var ErrBadPage = errors.New("ogg: malformed page")

// Page is one decoded Ogg page. Used to validate produced containers; the
// recording pipeline itself never reads pages back.
type Page struct {
	Serial    uint32
	Seq       uint32
	Granule   uint64
	BOS       bool
	EOS       bool
	Continued bool

	// Packets holds the packet payloads completing on this page. A trailing
	// packet that continues onto the next page is not supported by this
	// reader (the Writer never produces one).
	Packets [][]byte
}

// ReadPage reads and validates one page from r. Returns io.EOF at a clean
// end of input.
func ReadPage(r io.Reader) (Page, error) {
	header := make([]byte, 27)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Page{}, fmt.Errorf("%w: truncated header", ErrBadPage)
		}
		return Page{}, err
	}
	if string(header[:4]) != "OggS" || header[4] != 0 {
		return Page{}, fmt.Errorf("%w: bad capture pattern", ErrBadPage)
	}

	p := Page{
		Continued: header[5]&headerTypeContinued != 0,
		BOS:       header[5]&headerTypeBOS != 0,
		EOS:       header[5]&headerTypeEOS != 0,
		Granule:   binary.LittleEndian.Uint64(header[6:]),
		Serial:    binary.LittleEndian.Uint32(header[14:]),
		Seq:       binary.LittleEndian.Uint32(header[18:]),
	}
	wantCRC := binary.LittleEndian.Uint32(header[22:])

	lacing := make([]byte, int(header[26]))
	if _, err := io.ReadFull(r, lacing); err != nil {
		return Page{}, fmt.Errorf("%w: truncated segment table", ErrBadPage)
	}
	var total int
	for _, l := range lacing {
		total += int(l)
	}
	payload := make([]byte, total)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Page{}, fmt.Errorf("%w: truncated payload", ErrBadPage)
	}

	// Verify the checksum with the CRC field zeroed.
	binary.LittleEndian.PutUint32(header[22:], 0)
	crc := crcUpdate(0, header)
	crc = crcUpdate(crc, lacing)
	crc = crcUpdate(crc, payload)
	if crc != wantCRC {
		return Page{}, fmt.Errorf("%w: checksum mismatch on page %d of stream %d", ErrBadPage, p.Seq, p.Serial)
	}

	// Split payload into packets along the segment table.
	var pkt []byte
	off := 0
	for _, l := range lacing {
		pkt = append(pkt, payload[off:off+int(l)]...)
		off += int(l)
		if l < maxLacing {
			p.Packets = append(p.Packets, pkt)
			pkt = nil
		}
	}
	if len(pkt) > 0 {
		return Page{}, fmt.Errorf("%w: packet continues past page end", ErrBadPage)
	}
	return p, nil
}

// ReadPages reads every page from r until EOF.
func ReadPages(r io.Reader) ([]Page, error) {
	var pages []Page
	for {
		p, err := ReadPage(r)
		if errors.Is(err, io.EOF) {
			return pages, nil
		}
		if err != nil {
			return pages, err
		}
		pages = append(pages, p)
	}
}

package ogg

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestStream_SinglePacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	s := w.NewStream(42)

	pkt := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := s.WritePacket(pkt, 960); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	pages, err := ReadPages(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(pages))
	}
	p := pages[0]
	if p.Serial != 42 {
		t.Errorf("serial = %d, want 42", p.Serial)
	}
	if !p.BOS {
		t.Error("first page missing BOS flag")
	}
	if p.EOS {
		t.Error("non-final page carries EOS flag")
	}
	if p.Granule != 960 {
		t.Errorf("granule = %d, want 960", p.Granule)
	}
	if len(p.Packets) != 1 || !bytes.Equal(p.Packets[0], pkt) {
		t.Errorf("packets = %v, want [%v]", p.Packets, pkt)
	}
}

func TestStream_BOSOnlyOnFirstPage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	s := w.NewStream(7)

	for i := range 3 {
		if err := s.WritePacket([]byte{byte(i)}, uint64(i+1)*960); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
	}
	if err := s.Close(4 * 960); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pages, err := ReadPages(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPages: %v", err)
	}
	if len(pages) != 4 {
		t.Fatalf("pages = %d, want 4", len(pages))
	}
	for i, p := range pages {
		if got, want := p.BOS, i == 0; got != want {
			t.Errorf("page %d BOS = %v, want %v", i, got, want)
		}
		if got, want := p.EOS, i == len(pages)-1; got != want {
			t.Errorf("page %d EOS = %v, want %v", i, got, want)
		}
		if p.Seq != uint32(i) {
			t.Errorf("page %d seq = %d", i, p.Seq)
		}
	}
}

func TestStream_LargePacketLacing(t *testing.T) {
	// A packet of exactly N*255 bytes needs a terminating zero lacing value.
	for _, size := range []int{255, 510, 1000} {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		s := w.NewStream(1)

		pkt := bytes.Repeat([]byte{0xAB}, size)
		if err := s.WritePacket(pkt, 960); err != nil {
			t.Fatalf("size %d: WritePacket: %v", size, err)
		}
		if err := s.Close(960); err != nil {
			t.Fatalf("size %d: Close: %v", size, err)
		}

		pages, err := ReadPages(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("size %d: ReadPages: %v", size, err)
		}
		if len(pages) != 1 {
			t.Fatalf("size %d: pages = %d, want 1", size, len(pages))
		}
		if len(pages[0].Packets) != 1 || !bytes.Equal(pages[0].Packets[0], pkt) {
			t.Errorf("size %d: packet did not survive the round trip", size)
		}
	}
}

func TestStream_PacketTooLarge(t *testing.T) {
	w := NewWriter(io.Discard)
	s := w.NewStream(1)
	if err := s.WritePacket(make([]byte, 255*255), 0); err == nil {
		t.Fatal("expected error for packet exceeding single-page bound")
	}
}

func TestStream_CloseWithoutPackets(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	s := w.NewStream(9)

	if err := s.Close(0); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
	// Idempotent.
	if err := s.Close(0); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.WritePacket([]byte{1}, 0); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("WritePacket after Close = %v, want ErrStreamClosed", err)
	}

	pages, err := ReadPages(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(pages))
	}
	if !pages[0].EOS || !pages[0].BOS {
		t.Errorf("lone EOS page flags: BOS=%v EOS=%v", pages[0].BOS, pages[0].EOS)
	}
}

func TestWriter_MultiplexedStreams(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	a := w.NewStream(100)
	b := w.NewStream(200)

	for i := range 5 {
		g := uint64(i+1) * 960
		if err := a.WritePacket([]byte{0xA0, byte(i)}, g); err != nil {
			t.Fatal(err)
		}
		if err := a.Flush(); err != nil {
			t.Fatal(err)
		}
		if err := b.WritePacket([]byte{0xB0, byte(i)}, g); err != nil {
			t.Fatal(err)
		}
		if err := b.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Close(6 * 960); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(6 * 960); err != nil {
		t.Fatal(err)
	}

	pages, err := ReadPages(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPages: %v", err)
	}

	seq := map[uint32]uint32{}
	granule := map[uint32]uint64{}
	eos := map[uint32]int{}
	for _, p := range pages {
		if p.Seq != seq[p.Serial] {
			t.Errorf("stream %d: page seq %d, want %d", p.Serial, p.Seq, seq[p.Serial])
		}
		seq[p.Serial]++
		if p.Granule < granule[p.Serial] {
			t.Errorf("stream %d: granule went backwards: %d < %d", p.Serial, p.Granule, granule[p.Serial])
		}
		granule[p.Serial] = p.Granule
		if p.EOS {
			eos[p.Serial]++
		}
	}
	for _, serial := range []uint32{100, 200} {
		if eos[serial] != 1 {
			t.Errorf("stream %d: EOS pages = %d, want 1", serial, eos[serial])
		}
	}
}

func TestWriter_BytesWritten(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	s := w.NewStream(1)
	if err := s.WritePacket([]byte{1, 2, 3}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(960); err != nil {
		t.Fatal(err)
	}
	if got := w.BytesWritten(); got != int64(buf.Len()) {
		t.Errorf("BytesWritten = %d, want %d", got, buf.Len())
	}
}

func TestOpusHead_Layout(t *testing.T) {
	head := OpusHead(2, 48000)
	if len(head) != 19 {
		t.Fatalf("len = %d, want 19", len(head))
	}
	if string(head[:8]) != "OpusHead" {
		t.Errorf("magic = %q", head[:8])
	}
	if head[8] != 1 {
		t.Errorf("version = %d, want 1", head[8])
	}
	if head[9] != 2 {
		t.Errorf("channels = %d, want 2", head[9])
	}
	rate := uint32(head[12]) | uint32(head[13])<<8 | uint32(head[14])<<16 | uint32(head[15])<<24
	if rate != 48000 {
		t.Errorf("sample rate = %d, want 48000", rate)
	}
}

func TestOpusTags_Layout(t *testing.T) {
	tags := OpusTags("cassette")
	if string(tags[:8]) != "OpusTags" {
		t.Errorf("magic = %q", tags[:8])
	}
	vlen := uint32(tags[8]) | uint32(tags[9])<<8 | uint32(tags[10])<<16 | uint32(tags[11])<<24
	if vlen != uint32(len("cassette")) {
		t.Errorf("vendor length = %d", vlen)
	}
	if string(tags[12:12+vlen]) != "cassette" {
		t.Errorf("vendor = %q", tags[12:12+vlen])
	}
}

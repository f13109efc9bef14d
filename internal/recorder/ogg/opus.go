package ogg

import "encoding/binary"

// Opus-in-Ogg header packets as defined by RFC 7845. Every logical Opus
// stream must begin with an identification header ("OpusHead") on its own
// page, followed by a comment header ("OpusTags") on its own page, before
// any audio packets.

// OpusHead builds the identification header packet for an Opus stream with
// the given channel count and input sample rate. Pre-skip and output gain
// are zero; channel mapping family 0 covers mono and stereo.
func OpusHead(channels, sampleRate int) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1 // version
	head[9] = byte(channels)
	// head[10:12] pre-skip, zero
	binary.LittleEndian.PutUint32(head[12:], uint32(sampleRate))
	// head[16:18] output gain, zero
	// head[18] channel mapping family 0
	return head
}

// OpusTags builds the comment header packet with the given vendor string and
// no user comments.
func OpusTags(vendor string) []byte {
	tags := make([]byte, 0, 8+4+len(vendor)+4)
	tags = append(tags, "OpusTags"...)
	tags = binary.LittleEndian.AppendUint32(tags, uint32(len(vendor)))
	tags = append(tags, vendor...)
	tags = binary.LittleEndian.AppendUint32(tags, 0) // comment count
	return tags
}

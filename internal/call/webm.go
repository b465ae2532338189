package call

import (
	"bytes"
	"encoding/binary"
)

// Matroska/WebM element IDs, written with their marker bits.
const (
	ebmlHeader         = 0x1A45DFA3
	ebmlVersion        = 0x4286
	ebmlReadVersion    = 0x42F7
	ebmlMaxIDLength    = 0x42F2
	ebmlMaxSizeLength  = 0x42F3
	ebmlDocType        = 0x4282
	ebmlDocTypeVersion = 0x4287
	ebmlDocTypeRead    = 0x4285

	mkvSegment       = 0x18538067
	mkvInfo          = 0x1549A966
	mkvTimecodeScale = 0x2AD7B1
	mkvMuxingApp     = 0x4D80
	mkvWritingApp    = 0x5741
	mkvTracks        = 0x1654AE6B
	mkvTrackEntry    = 0xAE
	mkvTrackNumber   = 0xD7
	mkvTrackUID      = 0x73C5
	mkvTrackType     = 0x83
	mkvCodecID       = 0x86
	mkvVideo         = 0xE0
	mkvPixelWidth    = 0xB0
	mkvPixelHeight   = 0xBA
	mkvCluster       = 0x1F43B675
	mkvTimecode      = 0xE7
	mkvSimpleBlock   = 0xA3
)

const videoTrackNumber = 1

// unknownSize marks a live Segment whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlWriter appends EBML elements to a buffer.
type ebmlWriter struct{ bytes.Buffer }

func (w *ebmlWriter) id(id uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	w.Write(b[i:])
}

// size writes n as an EBML variable-length integer of minimal width.
func (w *ebmlWriter) size(n uint64) {
	width := 1
	for width < 8 && n >= (uint64(1)<<(7*width))-1 {
		width++
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	out := b[8-width:]
	out[0] |= byte(0x80 >> (width - 1))
	w.Write(out)
}

func (w *ebmlWriter) bytesElem(id uint32, data []byte) {
	w.id(id)
	w.size(uint64(len(data)))
	w.Write(data)
}

func (w *ebmlWriter) uintElem(id uint32, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	i := 0
	for i < 7 && b[i] == 0 {
		i++
	}
	w.bytesElem(id, b[i:])
}

func (w *ebmlWriter) stringElem(id uint32, s string) {
	w.bytesElem(id, []byte(s))
}

// master writes an element whose body is produced by fill.
func (w *ebmlWriter) master(id uint32, fill func(*ebmlWriter)) {
	var body ebmlWriter
	fill(&body)
	w.bytesElem(id, body.Bytes())
}

// webmInit returns the EBML header and the opening of a live segment with
// a single VP8 track.
func webmInit(width, height uint16) []byte {
	var w ebmlWriter
	w.master(ebmlHeader, func(h *ebmlWriter) {
		h.uintElem(ebmlVersion, 1)
		h.uintElem(ebmlReadVersion, 1)
		h.uintElem(ebmlMaxIDLength, 4)
		h.uintElem(ebmlMaxSizeLength, 8)
		h.stringElem(ebmlDocType, "webm")
		h.uintElem(ebmlDocTypeVersion, 2)
		h.uintElem(ebmlDocTypeRead, 2)
	})

	w.id(mkvSegment)
	w.Write(unknownSize)

	w.master(mkvInfo, func(i *ebmlWriter) {
		i.uintElem(mkvTimecodeScale, 1_000_000) // timecodes in ms
		i.stringElem(mkvMuxingApp, "goopcall")
		i.stringElem(mkvWritingApp, "goopcall")
	})
	w.master(mkvTracks, func(t *ebmlWriter) {
		t.master(mkvTrackEntry, func(e *ebmlWriter) {
			e.uintElem(mkvTrackNumber, videoTrackNumber)
			e.uintElem(mkvTrackUID, videoTrackNumber)
			e.uintElem(mkvTrackType, 1)
			e.stringElem(mkvCodecID, "V_VP8")
			e.master(mkvVideo, func(v *ebmlWriter) {
				v.uintElem(mkvPixelWidth, uint64(width))
				v.uintElem(mkvPixelHeight, uint64(height))
			})
		})
	})
	return w.Bytes()
}

// webmCluster wraps one frame into its own cluster at timecode ms.
func webmCluster(ms int64, keyframe bool, frame []byte) []byte {
	var w ebmlWriter
	w.master(mkvCluster, func(c *ebmlWriter) {
		c.uintElem(mkvTimecode, uint64(ms))

		// SimpleBlock: track vint, int16 relative timecode, flags, frame.
		block := make([]byte, 0, 4+len(frame))
		block = append(block, 0x80|videoTrackNumber, 0, 0)
		var flags byte
		if keyframe {
			flags = 0x80
		}
		block = append(block, flags)
		block = append(block, frame...)
		c.bytesElem(mkvSimpleBlock, block)
	})
	return w.Bytes()
}

// vp8KeyFrame reports whether frame is a VP8 key frame and, if its start
// code is intact, its dimensions.
func vp8KeyFrame(frame []byte) (key bool, width, height uint16) {
	if len(frame) < 3 || frame[0]&0x01 != 0 {
		return false, 0, 0
	}
	if len(frame) >= 10 && frame[3] == 0x9D && frame[4] == 0x01 && frame[5] == 0x2A {
		width = binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF
		height = binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	}
	return true, width, height
}

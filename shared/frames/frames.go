// Package frames pulls JPEG stills out of the raw capture dumps sent by the
// feeder camera.
//
// A dump is an undelimited byte stream: the device writes whatever its JPEG
// encoder produced back to back, sometimes with padding or a truncated frame at
// the tail. A frame is any range that starts with the SOI marker (FF D8) and
// ends with the first EOI marker (FF D9) after it.
package frames

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

var (
	startMarker = []byte{0xFF, 0xD8}
	endMarker   = []byte{0xFF, 0xD9}
)

// FilePattern is the printf pattern WriteFiles uses for frame file names.
// ffmpeg's image2 demuxer consumes the same pattern.
const FilePattern = "%06d.jpg"

// Frame is one still image found in a capture buffer.
type Frame struct {
	Index   int    // discovery order, starting at 0
	Payload []byte // SOI..EOI inclusive, aliases the source buffer
}

// Extract scans buf for marker-delimited frames and returns them in the order
// they appear. Scanning resumes after the end of every accepted frame. A start
// marker with no end marker after it ends the scan; the partial frame is
// dropped. A buffer with no frames yields an empty, non-nil slice.
func Extract(buf []byte) []Frame {
	out := make([]Frame, 0)
	pos := 0
	for pos < len(buf) {
		s := bytes.Index(buf[pos:], startMarker)
		if s < 0 {
			break
		}
		start := pos + s

		// Search after the start marker so FF D8 FF D9 style overlaps can't
		// produce a frame shorter than both markers.
		e := bytes.Index(buf[start+len(startMarker):], endMarker)
		if e < 0 {
			break
		}
		end := start + len(startMarker) + e + len(endMarker)

		candidate := buf[start:end]
		if !bytes.HasPrefix(candidate, startMarker) || !bytes.HasSuffix(candidate, endMarker) {
			pos = start + 1
			continue
		}
		out = append(out, Frame{Index: len(out), Payload: candidate})
		pos = end
	}
	return out
}

// FileName returns the file name WriteFiles uses for the frame at index.
func FileName(index int) string {
	return fmt.Sprintf(FilePattern, index)
}

// WriteFiles writes every frame into dir, named by FileName, and returns the
// paths in frame order. dir is created if missing.
func WriteFiles(dir string, frames []Frame) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	paths := make([]string, 0, len(frames))
	for _, f := range frames {
		p := filepath.Join(dir, FileName(f.Index))
		if err := os.WriteFile(p, f.Payload, 0o644); err != nil {
			return nil, fmt.Errorf("write frame %d: %w", f.Index, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

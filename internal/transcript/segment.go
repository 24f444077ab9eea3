// Package transcript holds recognized text segments and the session transcript buffer.
package transcript

import (
	"strings"
	"sync"
)

// Segment is one incremental or final chunk of recognized text.
type Segment struct {
	Text         string
	Alternatives []string
	Final        bool
	// Pass is the recognition pass that produced the segment (0 for batch output).
	Pass int
	Seq  int
}

// Blank reports whether the segment carries no visible text.
func (s Segment) Blank() bool {
	return strings.TrimSpace(s.Text) == ""
}

// Buffer accumulates final segments in emission order.
type Buffer struct {
	mu       sync.Mutex
	finals   []Segment
	interim  Segment
	lastPass int
	lastSeq  int
}

// Append records seg. Interim segments only replace the pending interim preview.
// It returns false when seg arrives out of order for its pass.
func (b *Buffer) Append(seg Segment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seg.Pass < b.lastPass || (seg.Pass == b.lastPass && seg.Seq < b.lastSeq) {
		return false
	}
	b.lastPass = seg.Pass
	b.lastSeq = seg.Seq

	if !seg.Final {
		b.interim = seg
		return true
	}
	b.finals = append(b.finals, seg)
	b.interim = Segment{}
	return true
}

// Text returns the ordered concatenation of all final segments.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out strings.Builder
	for _, seg := range b.finals {
		out.WriteString(seg.Text)
	}
	return out.String()
}

// Interim returns the latest non-final preview text.
func (b *Buffer) Interim() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interim.Text
}

// Finals returns a copy of the recorded final segments.
func (b *Buffer) Finals() []Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Segment(nil), b.finals...)
}

// Reset discards everything recorded so far.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finals = nil
	b.interim = Segment{}
	b.lastPass = 0
	b.lastSeq = 0
}

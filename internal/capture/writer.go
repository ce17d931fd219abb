// Package capture records Ethernet frames to pcap files and replays pcap
// files through the stack.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// SnapLen is the snapshot length written to pcap file headers.
const SnapLen = 65536

// ErrLinkType is returned when a capture does not hold Ethernet frames.
var ErrLinkType = errors.New("capture link type is not Ethernet")

// Writer appends Ethernet frames to a pcap stream. It is safe for
// concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   *pcapgo.Writer
	now func() time.Time
}

// NewWriter writes a pcap file header to w and returns a Writer for it.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: pw, now: time.Now}, nil
}

// WriteFrame records one frame, truncated to SnapLen.
func (w *Writer) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	captured := data
	if len(captured) > SnapLen {
		captured = captured[:SnapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(captured),
		Length:        len(data),
	}
	if err := w.w.WritePacket(ci, captured); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

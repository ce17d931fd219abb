package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/rennerdo30/tapstack/internal/logging"
)

// ReadWriter is a frame driver: every Read returns one frame and every
// Write sends one.
type ReadWriter interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Tee passes frames through to an underlying driver and records a copy of
// each to a Writer.
type Tee struct {
	dev    ReadWriter
	w      *Writer
	logger *slog.Logger
}

// NewTee creates a Tee over dev recording to w.
func NewTee(dev ReadWriter, w *Writer, logger *slog.Logger) *Tee {
	return &Tee{dev: dev, w: w, logger: logging.Component(logger, "capture")}
}

// Read reads a frame from the device and records it.
func (t *Tee) Read(buf []byte) (int, error) {
	n, err := t.dev.Read(buf)
	if err != nil {
		return n, err
	}
	if n > 0 {
		t.record(buf[:n])
	}
	return n, nil
}

// Write records a frame and writes it to the device.
func (t *Tee) Write(buf []byte) (int, error) {
	t.record(buf)
	return t.dev.Write(buf)
}

// Capture failures never interrupt traffic.
func (t *Tee) record(frame []byte) {
	if err := t.w.WriteFrame(frame); err != nil {
		t.logger.Warn("frame not captured", "error", err)
	}
}

// FileDriver replays frames from a pcap stream and records frames written
// to it. Read returns io.EOF once the input is exhausted.
type FileDriver struct {
	r   *pcapgo.Reader
	out *Writer
}

// NewFileDriver reads Ethernet frames from in. Frames written to the driver
// go to out, or are discarded when out is nil.
func NewFileDriver(in io.Reader, out *Writer) (*FileDriver, error) {
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%w: %s", ErrLinkType, lt)
	}
	return &FileDriver{r: r, out: out}, nil
}

// Read copies the next captured frame into buf. Frames longer than buf are
// truncated.
func (d *FileDriver) Read(buf []byte) (int, error) {
	data, _, err := d.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	return copy(buf, data), nil
}

// Write records buf to the output capture.
func (d *FileDriver) Write(buf []byte) (int, error) {
	if d.out == nil {
		return len(buf), nil
	}
	if err := d.out.WriteFrame(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Package capture turns a camera, recorded file or network stream into decoded frames.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/invigilator/internal/utils"
)

// DefaultStartTimeout bounds how long Open waits for the first frame.
const DefaultStartTimeout = 10 * time.Second

// Device yields frames until it fails or is closed. Read is called from one goroutine,
// Close may be called from any goroutine and unblocks a pending Read.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Opener opens a fresh Device per engine.
type Opener interface {
	Open(ctx context.Context) (Device, error)
}

// DeviceError reports a capture source that could not be opened or read.
type DeviceError struct {
	Source string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %q: %v", e.Source, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// FFmpegOpener decodes Spec through an ffmpeg MJPEG pipe.
type FFmpegOpener struct {
	Spec         utils.CaptureSpec
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// Open starts ffmpeg and waits for the first frame so an absent camera fails here, not in the loop.
func (o *FFmpegOpener) Open(ctx context.Context) (Device, error) {
	cmd := utils.NewFFmpegCaptureCmd(ctx, o.Spec)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{Source: o.Spec.Source, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &DeviceError{Source: o.Spec.Source, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	d := newStreamDevice(o.Spec.Source, stdout, func() error {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait() // exit status after Kill is always an error
		return nil
	})

	timeout := o.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	if err := d.probe(timeout); err != nil {
		d.Close()
		if logger := o.Logger; logger != nil && cmd.Stderr.Len() > 0 {
			logger.Warn("ffmpeg output", "source", o.Spec.Source, "stderr", cmd.Stderr.String())
		}
		return nil, &DeviceError{Source: o.Spec.Source, Err: err}
	}
	return d, nil
}

// streamDevice cuts JPEG frames out of an MJPEG byte stream.
type streamDevice struct {
	source  string
	scanner *bufio.Scanner
	pending image.Image

	once    sync.Once
	closer  func() error
	closeMu sync.Mutex
	closed  bool
}

func newStreamDevice(source string, r io.Reader, closer func() error) *streamDevice {
	scanner := bufio.NewScanner(r)
	// Frames can exceed the default 64KB token size (1080p MJPEG is ~200KB)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	scanner.Split(utils.SplitJpeg)
	return &streamDevice{source: source, scanner: scanner, closer: closer}
}

func (d *streamDevice) probe(timeout time.Duration) error {
	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, err := d.next()
		ch <- result{img, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("no frames received: %w", r.err)
		}
		d.pending = r.img
		return nil
	case <-timer.C:
		d.Close()
		<-ch
		return fmt.Errorf("no frame within %s", timeout)
	}
}

// Read returns the next decoded frame. io.EOF marks the end of a recording.
func (d *streamDevice) Read() (image.Image, error) {
	if img := d.pending; img != nil {
		d.pending = nil
		return img, nil
	}
	return d.next()
}

func (d *streamDevice) next() (image.Image, error) {
	if !d.scanner.Scan() {
		if d.isClosed() {
			return nil, ErrClosed
		}
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(d.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("capture device closed")

func (d *streamDevice) isClosed() bool {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	return d.closed
}

// Close stops the source once. Later calls are no-ops.
func (d *streamDevice) Close() error {
	var err error
	d.once.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		d.closeMu.Unlock()
		if d.closer != nil {
			err = d.closer()
		}
	})
	return err
}

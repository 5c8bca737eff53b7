// Package worker runs the external face detector as a pool of Python processes.
//
// Protocol: every message is [uint32 big-endian length][msgpack body]. Requests go
// over stdin; replies come back on a side-channel pipe (FD 3) so the script's own
// prints and tracebacks on stdout/stderr never corrupt the data stream.
//
//	request:  {op: "detect", width, height, pix (gray8 rows), scale_factor, min_neighbors}
//	reply:    {status: 0, boxes: [[x, y, w, h], ...]} | {status: 1, error: "..."}
package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/invigilator/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// maxReplyBytes bounds a reply so a confused worker cannot make us allocate gigabytes.
const maxReplyBytes = 16 * 1024 * 1024

// Config describes how detector processes are launched.
type Config struct {
	Python       string
	Script       string
	ReadTimeout  time.Duration
	ScaleFactor  float64
	MinNeighbors int
}

type detectRequest struct {
	Op           string  `msgpack:"op"`
	Width        int     `msgpack:"width"`
	Height       int     `msgpack:"height"`
	Pix          []byte  `msgpack:"pix"`
	ScaleFactor  float64 `msgpack:"scale_factor"`
	MinNeighbors int     `msgpack:"min_neighbors"`
}

type detectResponse struct {
	Status int     `msgpack:"status"`
	Boxes  [][]int `msgpack:"boxes"`
	Error  string  `msgpack:"error"`
}

// PythonWorker is one detector process.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	cfg      Config
}

// NewPythonWorker starts the detector script and wires the FD 3 data pipe.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Communicate sends one framed message and reads one framed reply.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an import error crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxReplyBytes {
		return nil, fmt.Errorf("worker %d reply too large (%d bytes)", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect sends a grayscale frame and returns the face boxes found in it.
// A timeout or cancelled context kills the process, the worker must be replaced afterwards.
func (w *PythonWorker) Detect(ctx context.Context, img *image.Gray) ([]image.Rectangle, error) {
	b := img.Bounds()
	req, err := msgpack.Marshal(detectRequest{
		Op:           "detect",
		Width:        b.Dx(),
		Height:       b.Dy(),
		Pix:          compact(img),
		ScaleFactor:  w.cfg.ScaleFactor,
		MinNeighbors: w.cfg.MinNeighbors,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detect request: %w", err)
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(req)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.cfg.ReadTimeout > 0 {
		timer := time.NewTimer(w.cfg.ReadTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var res reply
	select {
	case res = <-done:
	case <-timeout:
		w.Close()
		return nil, fmt.Errorf("worker %d timed out after %s", w.ID, w.cfg.ReadTimeout)
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("worker %d communication failed: %w", w.ID, res.err)
	}
	return parseDetectResponse(res.body, b.Min)
}

func parseDetectResponse(body []byte, origin image.Point) ([]image.Rectangle, error) {
	var resp detectResponse
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed worker reply: %w", err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("python worker error: %s", resp.Error)
	}

	rects := make([]image.Rectangle, 0, len(resp.Boxes))
	for _, box := range resp.Boxes {
		if len(box) != 4 {
			return nil, fmt.Errorf("malformed box %v: want [x, y, w, h]", box)
		}
		x, y, bw, bh := box[0], box[1], box[2], box[3]
		rects = append(rects, image.Rect(x, y, x+bw, y+bh).Add(origin))
	}
	return rects, nil
}

// compact returns the image rows without stride padding.
func compact(img *image.Gray) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if img.Stride == w && img.PixOffset(b.Min.X, b.Min.Y) == 0 {
		return img.Pix[:w*h]
	}
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*w:(y+1)*w], img.Pix[off:off+w])
	}
	return pix
}

// Close shuts down the process and reaps it.
func (w *PythonWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
		w.Cmd.Wait()
	}
}

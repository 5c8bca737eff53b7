package proctor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

// StreamContentType is the HTTP content type of a multipart frame stream.
const StreamContentType = "multipart/x-mixed-replace; boundary=frame"

var (
	chunkHeader  = []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")
	chunkTrailer = []byte("\r\n")
)

// EncodeChunk JPEG-encodes img and wraps it as one multipart part.
func EncodeChunk(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(chunkHeader)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	buf.Write(chunkTrailer)
	return buf.Bytes(), nil
}

// Stream is the pull side of an engine's chunk queue.
// Chunks go to whichever reader takes them first, so one viewer per engine.
type Stream struct {
	chunks <-chan []byte
}

// Next blocks for the next chunk. It returns io.EOF once the engine stopped and
// every queued chunk was delivered.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Copy copies chunks to w until the stream ends or ctx is done.
// flush, when non-nil, runs after every chunk.
func (s *Stream) Copy(ctx context.Context, w io.Writer, flush func()) (int64, error) {
	var n int64
	for {
		chunk, err := s.Next(ctx)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		m, err := w.Write(chunk)
		n += int64(m)
		if err != nil {
			return n, err
		}
		if flush != nil {
			flush()
		}
	}
}

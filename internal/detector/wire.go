package detector

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// maxMessageSize bounds a single worker message (a 4K RGB JPEG is far below).
const maxMessageSize = 64 << 20

const (
	msgDetect = "detect"
	msgLabels = "labels"
)

// workerRequest is sent to the worker on stdin.
type workerRequest struct {
	Type   string `msgpack:"type"`
	Seq    uint64 `msgpack:"seq"`
	Image  []byte `msgpack:"image,omitempty"` // JPEG
	Width  int    `msgpack:"width,omitempty"`
	Height int    `msgpack:"height,omitempty"`
}

// workerDetection is one row of model output.
type workerDetection struct {
	Box        [4]float64 `msgpack:"box"` // x1, y1, x2, y2
	Confidence float64    `msgpack:"confidence"`
	ClassID    int        `msgpack:"class_id"`
}

// workerResponse is read from the worker on stdout.
type workerResponse struct {
	Seq        uint64            `msgpack:"seq"`
	Detections []workerDetection `msgpack:"detections"`
	Labels     map[int]string    `msgpack:"labels,omitempty"`
	Error      string            `msgpack:"error,omitempty"`
	InferMS    float64           `msgpack:"inference_ms,omitempty"`
}

// writeMessage writes v as a 4-byte big-endian length followed by msgpack.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func (d workerDetection) raw() types.RawDetection {
	return types.RawDetection{
		X1:         d.Box[0],
		Y1:         d.Box[1],
		X2:         d.Box[2],
		Y2:         d.Box[3],
		Confidence: d.Confidence,
		ClassID:    d.ClassID,
	}
}

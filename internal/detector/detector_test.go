package detector

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	req := workerRequest{Type: msgDetect, Seq: 7, Image: []byte{1, 2, 3}, Width: 4, Height: 2}
	require.NoError(t, writeMessage(&buf, req))
	require.Equal(t, byte(0), buf.Bytes()[0], "length prefix is big-endian")

	var got workerRequest
	require.NoError(t, readMessage(&buf, &got))
	require.Equal(t, req, got)
}

func TestReadMessageRejectsOversize(t *testing.T) {
	r := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var resp workerResponse
	require.Error(t, readMessage(r, &resp))
}

// fakeWorker answers requests on the other end of the pipes.
func fakeWorker(t *testing.T, in io.Reader, out io.WriteCloser, reply func(workerRequest) workerResponse) {
	t.Helper()
	go func() {
		defer out.Close()
		for {
			var req workerRequest
			if err := readMessage(in, &req); err != nil {
				return
			}
			resp := reply(req)
			resp.Seq = req.Seq
			if err := writeMessage(out, resp); err != nil {
				return
			}
		}
	}()
}

func newPipedWorker(t *testing.T, reply func(workerRequest) workerResponse) *PythonWorker {
	t.Helper()
	w, err := NewPythonWorker(PythonWorkerConfig{Command: "worker", ModelPath: "best.pt"})
	require.NoError(t, err)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	fakeWorker(t, reqR, respW, reply)
	w.attach(reqW, respR)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestPythonWorkerDetect(t *testing.T) {
	w := newPipedWorker(t, func(req workerRequest) workerResponse {
		if req.Type != msgDetect || len(req.Image) == 0 {
			return workerResponse{Error: "bad request"}
		}
		return workerResponse{Detections: []workerDetection{
			{Box: [4]float64{1, 2, 30, 40}, Confidence: 0.9, ClassID: 3},
			{Box: [4]float64{5, 6, 7, 8}, Confidence: 0.2, ClassID: 1},
		}}
	})

	dets, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 24)))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	require.Equal(t, 3, dets[0].ClassID)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-9)
	require.Equal(t, 30, dets[0].Box().X2)
}

func TestPythonWorkerPropagatesWorkerError(t *testing.T) {
	w := newPipedWorker(t, func(req workerRequest) workerResponse {
		return workerResponse{Error: "CUDA out of memory"}
	})
	_, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.ErrorContains(t, err, "CUDA out of memory")
}

func TestPythonWorkerCancelledRequestDoesNotDesync(t *testing.T) {
	release := make(chan struct{})
	w := newPipedWorker(t, func(req workerRequest) workerResponse {
		if req.Seq == 1 {
			<-release
		}
		return workerResponse{Detections: []workerDetection{{Confidence: float64(req.Seq) / 10}}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	close(release)

	dets, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	require.InDelta(t, 0.2, dets[0].Confidence, 1e-9)
}

func TestPythonWorkerStoppedAfterEOF(t *testing.T) {
	w, err := NewPythonWorker(PythonWorkerConfig{Command: "worker", ModelPath: "best.pt"})
	require.NoError(t, err)
	_, reqW := io.Pipe()
	respR, respW := io.Pipe()
	w.attach(reqW, respR)
	respW.Close()
	w.wg.Wait()

	_, err = w.roundTrip(context.Background(), workerRequest{Type: msgLabels})
	require.ErrorIs(t, err, ErrWorkerStopped)
}

func TestWaitProcessDrainsOutputFirst(t *testing.T) {
	w, err := NewPythonWorker(PythonWorkerConfig{Command: "worker", ModelPath: "best.pt"})
	require.NoError(t, err)
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	w.attach(reqW, respR)

	waited := make(chan struct{})
	w.wg.Add(1)
	go w.waitProcess(func() error {
		close(waited)
		return nil
	})

	// The worker answers and exits in one go.
	go func() {
		var req workerRequest
		if err := readMessage(reqR, &req); err != nil {
			return
		}
		_ = writeMessage(respW, workerResponse{Seq: req.Seq, Labels: map[int]string{0: "Plastic_Bag"}})
		respW.Close()
	}()

	resp, err := w.roundTrip(context.Background(), workerRequest{Type: msgLabels})
	require.NoError(t, err)
	require.Equal(t, "Plastic_Bag", resp.Labels[0])

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("process never reaped after output EOF")
	}
	w.wg.Wait()
}

func TestWaitProcessBlocksWhileOutputOpen(t *testing.T) {
	w, err := NewPythonWorker(PythonWorkerConfig{Command: "worker", ModelPath: "best.pt"})
	require.NoError(t, err)
	_, reqW := io.Pipe()
	respR, respW := io.Pipe()
	w.attach(reqW, respR)

	waited := make(chan struct{})
	w.wg.Add(1)
	go w.waitProcess(func() error {
		close(waited)
		return nil
	})

	select {
	case <-waited:
		t.Fatal("reaped while stdout still open")
	case <-time.After(50 * time.Millisecond):
	}
	respW.Close()
	w.wg.Wait()
	select {
	case <-waited:
	default:
		t.Fatal("process not reaped")
	}
}

func TestDecodeYOLOAndNMS(t *testing.T) {
	const anchors = 3
	const classes = 2
	data := make([]float32, (4+classes)*anchors)
	set := func(row, anchor int, v float32) { data[row*anchors+anchor] = v }

	// anchor 0: class 1 at (50,50) 20x20, score 0.9
	set(0, 0, 50)
	set(1, 0, 50)
	set(2, 0, 20)
	set(3, 0, 20)
	set(5, 0, 0.9)
	// anchor 1: same place, same class, lower score -> suppressed
	set(0, 1, 51)
	set(1, 1, 50)
	set(2, 1, 20)
	set(3, 1, 20)
	set(5, 1, 0.6)
	// anchor 2: below floor
	set(4, 2, 0.1)

	cands := decodeYOLO(data, classes, anchors, 0.25, 2, 1)
	require.Len(t, cands, 2)
	require.InDelta(t, 80, cands[0].X1, 1e-6) // (50-10)*2
	require.InDelta(t, 40, cands[0].Y1, 1e-6)

	kept := nonMaxSuppression(cands, 0.7)
	require.Len(t, kept, 1)
	require.Equal(t, 1, kept[0].ClassID)
	require.InDelta(t, 0.9, kept[0].Confidence, 1e-6)
}

func TestNMSKeepsOverlapsOfDifferentClasses(t *testing.T) {
	in := []types.RawDetection{
		{X2: 10, Y2: 10, Confidence: 0.5, ClassID: 0},
		{X2: 10, Y2: 10, Confidence: 0.6, ClassID: 1},
	}
	kept := nonMaxSuppression(in, 0.5)
	require.Len(t, kept, 2)
	require.Equal(t, 1, kept[0].ClassID)
}

func TestParseLabelMap(t *testing.T) {
	got, err := ParseLabelMap(`{0: 'mask', 1: "can", 12: 'rod'}`)
	require.NoError(t, err)
	require.Equal(t, map[int]string{0: "mask", 1: "can", 12: "rod"}, got)

	_, err = ParseLabelMap("mask,can")
	require.Error(t, err)
}

func TestHolderStatus(t *testing.T) {
	var nilHolder *Holder
	status, ok := nilHolder.Status()
	require.False(t, ok)
	require.Equal(t, "not loaded", status)

	h := NewHolder()
	h.Fail(errors.New("missing weights"))
	status, ok = h.Status()
	require.False(t, ok)
	require.Contains(t, status, "missing weights")
	require.Nil(t, h.Model())
}

package detector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// ErrWorkerStopped is returned once the worker process has exited.
var ErrWorkerStopped = errors.New("detector worker stopped")

// PythonWorkerConfig configures the subprocess backend.
type PythonWorkerConfig struct {
	Command      string // wrapper that activates the runtime and starts the worker
	Args         []string
	ModelPath    string
	JPEGQuality  int
	StartTimeout time.Duration
}

// PythonWorker runs inference in a long-lived child process. Requests and
// responses are length-prefixed msgpack messages on stdin/stdout, matched
// by sequence number so a cancelled request cannot desync the stream.
type PythonWorker struct {
	cfg PythonWorkerConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pipes  sync.WaitGroup // stdout/stderr readers; cmd.Wait closes the pipes

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[uint64]chan workerResponse
	labels  map[int]string
	closed  bool
	seq     atomic.Uint64

	inferenceCount atomic.Uint64
	totalLatencyMS atomic.Uint64
}

// NewPythonWorker validates cfg and returns an unstarted worker.
func NewPythonWorker(cfg PythonWorkerConfig) (*PythonWorker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	return &PythonWorker{
		cfg:     cfg,
		pending: make(map[uint64]chan workerResponse),
	}, nil
}

// Start spawns the worker process and fetches its label set.
func (w *PythonWorker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	args := append(append([]string(nil), w.cfg.Args...), "--model", w.cfg.ModelPath)
	w.cmd = exec.CommandContext(w.ctx, w.cfg.Command, args...)

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", w.cfg.Command, err)
	}
	logger.Info("Detector", "Worker started (pid=%d, model=%s)", w.cmd.Process.Pid, w.cfg.ModelPath)

	w.attach(stdin, stdout)

	w.wg.Add(2)
	w.pipes.Add(1)
	go w.logStderr(stderr)
	go w.waitProcess(w.cmd.Wait)

	startCtx, cancel := context.WithTimeout(ctx, w.cfg.StartTimeout)
	defer cancel()
	resp, err := w.roundTrip(startCtx, workerRequest{Type: msgLabels})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("worker handshake: %w", err)
	}
	w.mu.Lock()
	w.labels = resp.Labels
	w.mu.Unlock()
	logger.Info("Detector", "Worker reports %d labels", len(resp.Labels))
	return nil
}

// attach wires the message streams and starts the response reader.
func (w *PythonWorker) attach(stdin io.WriteCloser, stdout io.Reader) {
	if w.ctx == nil {
		w.ctx, w.cancel = context.WithCancel(context.Background())
	}
	w.stdin = stdin
	w.wg.Add(1)
	w.pipes.Add(1)
	go w.readResults(stdout)
}

// Detect sends img to the worker and waits for its detections.
func (w *PythonWorker) Detect(ctx context.Context, img image.Image) ([]types.RawDetection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	b := img.Bounds()
	start := time.Now()
	resp, err := w.roundTrip(ctx, workerRequest{
		Type:   msgDetect,
		Image:  buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	})
	if err != nil {
		return nil, err
	}
	w.inferenceCount.Add(1)
	w.totalLatencyMS.Add(uint64(time.Since(start).Milliseconds()))

	out := make([]types.RawDetection, len(resp.Detections))
	for i, d := range resp.Detections {
		out[i] = d.raw()
	}
	return out, nil
}

// Labels returns the label set reported at startup.
func (w *PythonWorker) Labels() map[int]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int]string, len(w.labels))
	for k, v := range w.labels {
		out[k] = v
	}
	return out
}

// AvgLatencyMS returns the mean round-trip time of successful requests.
func (w *PythonWorker) AvgLatencyMS() float64 {
	n := w.inferenceCount.Load()
	if n == 0 {
		return 0
	}
	return float64(w.totalLatencyMS.Load()) / float64(n)
}

func (w *PythonWorker) roundTrip(ctx context.Context, req workerRequest) (workerResponse, error) {
	req.Seq = w.seq.Add(1)
	ch := make(chan workerResponse, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return workerResponse{}, ErrWorkerStopped
	}
	w.pending[req.Seq] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, req.Seq)
		w.mu.Unlock()
	}()

	w.writeMu.Lock()
	err := writeMessage(w.stdin, req)
	w.writeMu.Unlock()
	if err != nil {
		return workerResponse{}, fmt.Errorf("send %s request: %w", req.Type, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return workerResponse{}, ErrWorkerStopped
		}
		if resp.Error != "" {
			return workerResponse{}, fmt.Errorf("worker: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return workerResponse{}, ctx.Err()
	}
}

func (w *PythonWorker) readResults(stdout io.Reader) {
	defer w.wg.Done()
	defer w.pipes.Done()
	defer w.failPending()

	r := bufio.NewReader(stdout)
	for {
		var resp workerResponse
		if err := readMessage(r, &resp); err != nil {
			if !errors.Is(err, io.EOF) && w.ctx.Err() == nil {
				logger.Error("Detector", "Reading worker output: %v", err)
			}
			return
		}

		w.mu.Lock()
		ch, ok := w.pending[resp.Seq]
		w.mu.Unlock()
		if !ok {
			logger.Debug("Detector", "Dropping response for abandoned request #%d", resp.Seq)
			continue
		}
		ch <- resp
	}
}

// failPending unblocks every waiter once the reader is gone.
func (w *PythonWorker) failPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for seq, ch := range w.pending {
		close(ch)
		delete(w.pending, seq)
	}
}

func (w *PythonWorker) logStderr(stderr io.Reader) {
	defer w.wg.Done()
	defer w.pipes.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"), strings.Contains(line, "Traceback"):
			logger.Error("DetectorWorker", "%s", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			logger.Warn("DetectorWorker", "%s", line)
		default:
			logger.Debug("DetectorWorker", "%s", line)
		}
	}
}

// waitProcess reaps the child once both pipe readers have hit EOF, so
// the last responses are never lost to cmd.Wait closing stdout early.
func (w *PythonWorker) waitProcess(wait func() error) {
	defer w.wg.Done()

	w.pipes.Wait()
	err := wait()
	if w.ctx.Err() != nil {
		logger.Debug("Detector", "Worker exited after shutdown")
		return
	}
	if err != nil {
		logger.Error("Detector", "Worker exited unexpectedly: %v", err)
	} else {
		logger.Warn("Detector", "Worker exited")
	}
}

// Close stops the worker, killing it if it does not exit within 2s.
func (w *PythonWorker) Close() error {
	if w.stdin != nil {
		_ = w.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Warn("Detector", "Worker did not exit in time, killing")
		if w.cancel != nil {
			w.cancel()
		}
		<-done
	}
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

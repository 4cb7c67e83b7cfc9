package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
)

func init() {
	Register("ffmpeg", func() (Codec, error) { return NewFFmpeg() })
}

// FFmpeg decodes and encodes through the ffmpeg binary, exchanging raw
// RGBA frames over pipes.
type FFmpeg struct {
	// VideoCodec is the output encoder; mpeg4 produces MPEG-4 Part 2 ("mp4v").
	VideoCodec string
	Quality    int
}

// NewFFmpeg fails if ffmpeg or ffprobe is not on PATH.
func NewFFmpeg() (*FFmpeg, error) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return &FFmpeg{VideoCodec: "mpeg4", Quality: 3}, nil
}

type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Probe reads stream metadata of the first video stream.
func Probe(path string) (Info, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: probe %s: %v", ErrSourceUnreadable, path, err)
	}
	return parseProbe(out)
}

func parseProbe(out string) (Info, error) {
	var res probeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return Info{}, fmt.Errorf("%w: probe output: %v", ErrSourceUnreadable, err)
	}
	for _, s := range res.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return Info{}, fmt.Errorf("%w: video stream has no dimensions", ErrSourceUnreadable)
		}
		fps := parseRate(s.AvgFrameRate)
		if fps <= 0 {
			fps = parseRate(s.RFrameRate)
		}
		if fps <= 0 {
			fps = 30
		}
		// ffmpeg autorotates on decode, so quarter turns swap the frame shape.
		rotation := 0.0
		if r, err := strconv.ParseFloat(s.Tags.Rotate, 64); err == nil {
			rotation = r
		}
		for _, sd := range s.SideDataList {
			if sd.Rotation != 0 {
				rotation = sd.Rotation
			}
		}
		info := Info{FPS: fps, Width: s.Width, Height: s.Height}
		if quarterTurn(rotation) {
			info.Width, info.Height = info.Height, info.Width
		}
		return info, nil
	}
	return Info{}, fmt.Errorf("%w: no video stream", ErrSourceUnreadable)
}

// quarterTurn reports whether a rotation in degrees is an odd multiple of 90.
func quarterTurn(deg float64) bool {
	turns := int(math.Round(deg / 90))
	return turns%2 != 0
}

// parseRate parses ffprobe rates such as "30000/1001" or "25".
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Open probes path and starts decoding it.
func (f *FFmpeg) Open(ctx context.Context, path string) (Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	info, err := Probe(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	pr, pw := io.Pipe()

	g.Go(func() error {
		stream := ffmpeg.Input(path).
			Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgba"})
		stream.Context = ctx
		var stderr tailBuffer
		err := stream.WithOutput(pw).WithErrorOutput(&stderr).Run()
		if err != nil {
			err = fmt.Errorf("%w: %s", err, stderr.String())
		}
		pw.CloseWithError(err)
		return err
	})

	logger.Debug("Codec", "Decoding %s (%dx%d @ %.2f fps)", path, info.Width, info.Height, info.FPS)
	return &ffmpegReader{info: info, pipe: pr, cancel: cancel, group: g}, nil
}

type ffmpegReader struct {
	info   Info
	pipe   *io.PipeReader
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

func (r *ffmpegReader) Info() Info { return r.info }

func (r *ffmpegReader) Next() (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.info.Width, r.info.Height))
	_, err := io.ReadFull(r.pipe, img.Pix)
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: truncated frame", ErrSourceUnreadable)
	default:
		return nil, fmt.Errorf("%w: decode: %v", ErrSourceUnreadable, err)
	}
}

func (r *ffmpegReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.pipe.Close()
	r.cancel()
	// ffmpeg exits with an error once its output pipe is closed early
	_ = r.group.Wait()
	return nil
}

// Create starts an encoder writing to path.
func (f *FFmpeg) Create(ctx context.Context, path string, info Info) (Writer, error) {
	if info.Width <= 0 || info.Height <= 0 || info.FPS <= 0 {
		return nil, fmt.Errorf("%w: invalid output format %dx%d @ %.2f", ErrSinkUnwritable, info.Width, info.Height, info.FPS)
	}
	probe, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkUnwritable, err)
	}
	_ = probe.Close()

	g := new(errgroup.Group)
	pr, pw := io.Pipe()

	g.Go(func() error {
		stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
			"format":    "rawvideo",
			"pix_fmt":   "rgba",
			"s":         fmt.Sprintf("%dx%d", info.Width, info.Height),
			"framerate": strconv.FormatFloat(info.FPS, 'f', -1, 64),
		}).
			Output(path, ffmpeg.KwArgs{
				"c:v":     f.VideoCodec,
				"q:v":     f.Quality,
				"pix_fmt": "yuv420p",
				"tag:v":   "mp4v",
			}).
			OverWriteOutput()
		stream.Context = ctx
		var stderr tailBuffer
		err := stream.WithInput(pr).WithErrorOutput(&stderr).Run()
		if err != nil {
			err = fmt.Errorf("%w: %s", err, stderr.String())
		}
		pr.CloseWithError(err)
		return err
	})

	return &ffmpegWriter{info: info, pipe: pw, group: g, path: path}, nil
}

type ffmpegWriter struct {
	info  Info
	pipe  *io.PipeWriter
	group *errgroup.Group
	path  string
	buf   *image.RGBA
}

func (w *ffmpegWriter) WriteFrame(img image.Image) error {
	rect := image.Rect(0, 0, w.info.Width, w.info.Height)
	if w.buf == nil {
		w.buf = image.NewRGBA(rect)
	}
	src := img
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect == rect && rgba.Stride == 4*rect.Dx() {
		if _, err := w.pipe.Write(rgba.Pix); err != nil {
			return fmt.Errorf("%w: %v", ErrSinkUnwritable, err)
		}
		return nil
	}
	draw.Draw(w.buf, rect, src, src.Bounds().Min, draw.Src)
	if _, err := w.pipe.Write(w.buf.Pix); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnwritable, err)
	}
	return nil
}

func (w *ffmpegWriter) Close() error {
	_ = w.pipe.Close()
	if err := w.group.Wait(); err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrSinkUnwritable, w.path, err)
	}
	return nil
}

// tailBuffer keeps the last few KiB of ffmpeg's stderr for error messages.
type tailBuffer struct {
	buf []byte
}

const tailSize = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

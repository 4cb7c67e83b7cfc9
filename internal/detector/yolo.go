package detector

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// decodeYOLO turns a [4+classes, anchors] tensor into candidate boxes. Each
// anchor keeps its best class if that score reaches minConf.
func decodeYOLO(data []float32, numClasses, anchors int, minConf, scaleX, scaleY float64) []types.RawDetection {
	if len(data) < (4+numClasses)*anchors {
		return nil
	}

	var out []types.RawDetection
	for i := 0; i < anchors; i++ {
		classID, best := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := data[(4+c)*anchors+i]; s > best {
				best, classID = s, c
			}
		}
		if float64(best) < minConf {
			continue
		}

		cx := float64(data[i])
		cy := float64(data[anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])
		out = append(out, types.RawDetection{
			X1:         (cx - w/2) * scaleX,
			Y1:         (cy - h/2) * scaleY,
			X2:         (cx + w/2) * scaleX,
			Y2:         (cy + h/2) * scaleY,
			Confidence: float64(best),
			ClassID:    classID,
		})
	}
	return out
}

// nonMaxSuppression keeps the highest scoring box of each overlapping group
// per class and returns the survivors by descending confidence.
func nonMaxSuppression(boxes []types.RawDetection, iouThreshold float64) []types.RawDetection {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	suppressed := make([]bool, len(boxes))
	var keep []types.RawDetection
	for i := range boxes {
		if suppressed[i] {
			continue
		}
		keep = append(keep, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] || boxes[j].ClassID != boxes[i].ClassID {
				continue
			}
			if iou(boxes[i], boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func iou(a, b types.RawDetection) float64 {
	x1 := math.Max(a.X1, b.X1)
	y1 := math.Max(a.Y1, b.Y1)
	x2 := math.Min(a.X2, b.X2)
	y2 := math.Min(a.Y2, b.Y2)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

var labelEntry = regexp.MustCompile(`(\d+)\s*:\s*(?:'([^']*)'|"([^"]*)")`)

// ParseLabelMap parses the "names" metadata written by YOLO exporters, a
// dict literal such as {0: 'mask', 1: 'can'}.
func ParseLabelMap(raw string) (map[int]string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") || !strings.HasSuffix(raw, "}") {
		return nil, fmt.Errorf("not a label map: %q", raw)
	}
	labels := make(map[int]string)
	for _, m := range labelEntry.FindAllStringSubmatch(raw, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("label id %q: %w", m[1], err)
		}
		name := m[2]
		if name == "" {
			name = m[3]
		}
		labels[id] = name
	}
	return labels, nil
}

package postprocess

import (
	"sort"

	"github.com/nvr-ai/dronewatch/common"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// IoUThreshold is the overlap above which a lower-scored box is suppressed.
	IoUThreshold float32
	// ClassAware limits suppression to detections of the same class.
	ClassAware bool
}

// ApplyNMS filters overlapping detections with greedy Non-Maximum Suppression.
//
// Detections are stably sorted by descending score, so equal scores keep
// their input order. Walking that order, each surviving detection is kept
// and suppresses every later one whose IoU with it exceeds the threshold
// (and, when ClassAware, that shares its class).
//
// Arguments:
//   - detections: The candidate detections. The slice is reordered in place.
//   - config: NMS configuration.
//
// Returns:
//   - []common.Detection: The kept detections in descending score order, nil for no input.
func ApplyNMS(detections []common.Detection, config NMSConfig) []common.Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})

	kept := make([]common.Detection, 0, n)
	suppressed := make([]bool, n)

	for i := 0; i < n; i++ {
		if suppressed[i] {
			continue
		}
		anchor := detections[i]
		kept = append(kept, anchor)

		for j := i + 1; j < n; j++ {
			if suppressed[j] {
				continue
			}
			if config.ClassAware && detections[j].ClassID != anchor.ClassID {
				continue
			}
			if anchor.Box.IoU(detections[j].Box) > config.IoUThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

// ApplyClassAwareNMS runs ApplyNMS with suppression confined to each class.
func ApplyClassAwareNMS(detections []common.Detection, iouThreshold float32) []common.Detection {
	return ApplyNMS(detections, NMSConfig{IoUThreshold: iouThreshold, ClassAware: true})
}

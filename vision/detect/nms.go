package detect

import (
	"sort"

	"github.com/teranos/VIGIL/vision"
)

// GroupKeyFunc partitions detections for suppression. Boxes only suppress
// other boxes in the same group. A nil GroupKeyFunc places every detection
// in one global group, so overlapping boxes of different classes suppress
// each other.
type GroupKeyFunc func(vision.Detection) int

// ByClass groups detections by class id, giving class-aware suppression.
func ByClass(d vision.Detection) int { return d.ClassID }

// Suppress applies greedy non-maximum suppression to a pool of detections.
//
// Detections are considered in descending confidence order. The highest
// remaining detection is kept; every remaining detection in the same group
// whose IoU with it is >= iouThreshold is removed. The returned slice is
// ordered by descending confidence and is always a subset of the input.
// The input slice is not modified.
func Suppress(dets []vision.Detection, iouThreshold float32, keyFn GroupKeyFunc) []vision.Detection {
	if len(dets) == 0 {
		return nil
	}

	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Confidence > dets[order[b]].Confidence
	})

	suppressed := make([]bool, len(dets))
	kept := make([]vision.Detection, 0, len(dets))

	for pos, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])

		for _, j := range order[pos+1:] {
			if suppressed[j] {
				continue
			}
			if keyFn != nil && keyFn(dets[i]) != keyFn(dets[j]) {
				continue
			}
			if dets[i].Box.IoU(dets[j].Box) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

// Package postprocess - Decoding, suppression and coordinate mapping of detection outputs.
package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/models"
	"github.com/pkg/errors"
)

// Decoder turns a YOLOv8-style output into thresholded detections in
// model-input coordinates.
type Decoder struct {
	Classes   *models.ClassTable
	Threshold float32
}

// NewDecoder creates a decoder.
//
// Arguments:
//   - classes: The class table of the model.
//   - threshold: The minimum class score a candidate needs to be kept.
//
// Returns:
//   - *Decoder: The decoder.
func NewDecoder(classes *models.ClassTable, threshold float32) *Decoder {
	return &Decoder{Classes: classes, Threshold: threshold}
}

// Decode appends the detections of raw to dst and returns the extended slice.
// Passing the previous result as dst[:0] reuses its storage.
//
// Attribute a of candidate i is read from data[a*numCandidates+i]. The first
// four attributes are cx, cy, w, h and the rest are class scores. Each
// candidate's class is the argmax of its scores, the lowest index winning a
// tie, and candidates whose best score is below the threshold are dropped.
// Candidates with a negative or non-finite size or a non-finite center are
// dropped too, so every emitted box has X1 <= X2 and Y1 <= Y2.
//
// Arguments:
//   - raw: The model output.
//   - dst: Destination slice, may be nil.
//
// Returns:
//   - []common.Detection: Detections in candidate order.
//   - error: ErrMalformedOutput when the layout does not match the class table.
func (d *Decoder) Decode(raw *inference.RawOutput, dst []common.Detection) ([]common.Detection, error) {
	if raw == nil {
		return dst, errors.Wrap(inference.ErrMalformedOutput, "nil output")
	}
	numAttributes, numCandidates, err := raw.Layout()
	if err != nil {
		return dst, err
	}
	numClasses := numAttributes - 4
	if numClasses != d.Classes.Len() {
		return dst, errors.Wrapf(inference.ErrMalformedOutput,
			"output has %d class scores, class table has %d labels", numClasses, d.Classes.Len())
	}

	data := raw.Data()
	n := numCandidates
	cx, cy := data[0:n], data[n:2*n]
	w, h := data[2*n:3*n], data[3*n:4*n]
	scores := data[4*n:]

	for i := 0; i < n; i++ {
		best := scores[i]
		classID := 0
		for c := 1; c < numClasses; c++ {
			if s := scores[c*n+i]; s > best {
				best = s
				classID = c
			}
		}
		if !(best >= d.Threshold) {
			continue
		}

		if !validGeometry(cx[i], cy[i], w[i], h[i]) {
			continue
		}

		halfW, halfH := w[i]/2, h[i]/2
		dst = append(dst, common.Detection{
			Box: common.Box{
				X1: cx[i] - halfW,
				Y1: cy[i] - halfH,
				X2: cx[i] + halfW,
				Y2: cy[i] + halfH,
			},
			Score:   best,
			ClassID: classID,
			Label:   d.Classes.Label(classID),
		})
	}
	return dst, nil
}

// validGeometry reports whether a candidate describes a real box.
func validGeometry(cx, cy, w, h float32) bool {
	for _, v := range [...]float32{cx, cy, w, h} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return w >= 0 && h >= 0
}

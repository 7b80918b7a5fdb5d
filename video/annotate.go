package video

import (
	"image"
	"image/color"

	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/render"
	"gocv.io/x/gocv"
)

// Annotate draws set onto mat. The set's canvas is stretched over the whole
// mat, so a set mapped to any display size lines up with the frame.
//
// Arguments:
//   - mat: The frame to draw on.
//   - set: The detections in display coordinates.
func Annotate(mat *gocv.Mat, set common.DetectionSet) {
	if mat.Empty() || set.Width <= 0 || set.Height <= 0 {
		return
	}
	sx := float32(mat.Cols()) / float32(set.Width)
	sy := float32(mat.Rows()) / float32(set.Height)

	for _, d := range set.Detections {
		rect := d.Box.Scale(sx, sy).ToRect()
		col := toRGBA(render.ClassColor(d.ClassID))
		gocv.Rectangle(mat, rect, col, 2)

		label := render.LabelText(d)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		top := rect.Min.Y - size.Y - 6
		if top < 0 {
			top = rect.Min.Y
		}
		band := image.Rect(rect.Min.X, top, rect.Min.X+size.X+6, top+size.Y+6)
		gocv.Rectangle(mat, band, col, -1)
		gocv.PutText(mat, label, image.Pt(band.Min.X+3, band.Max.Y-3), gocv.FontHersheySimplex, 0.5, color.RGBA{255, 255, 255, 255}, 1)
	}
}

func toRGBA(c color.Color) color.RGBA {
	r, g, b, a := c.RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
}

package vision

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// Detector finds faces, colour blobs and QR codes in a frame. It is safe for
// concurrent use; inference is serialized.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	faces  *gocv.FaceDetectorYN
	qr     *gocv.QRCodeDetector
	target string
	kernel gocv.Mat
}

// NewDetector loads the configured models.
func NewDetector(cfg Config, logger *slog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg:    cfg,
		logger: log.Or(logger).With("component", "vision"),
		target: normalizeColor(cfg.TargetColor),
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(5, 5)),
	}

	if cfg.FaceModel != "" {
		if _, err := os.Stat(cfg.FaceModel); err != nil {
			d.kernel.Close()
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.FaceModel)
		}
		fd := gocv.NewFaceDetectorYNWithParams(
			cfg.FaceModel,
			"",
			image.Pt(cfg.FaceInputWidth, cfg.FaceInputWidth),
			float32(cfg.FaceThreshold),
			float32(cfg.FaceNMS),
			5000,
			int(gocv.NetBackendDefault),
			int(gocv.NetTargetCPU),
		)
		d.faces = &fd
	}
	if cfg.QRCodes {
		qr := gocv.NewQRCodeDetector()
		d.qr = &qr
	}
	return d, nil
}

// SetTargetColor selects the colour reported in Report.Colors.
func (d *Detector) SetTargetColor(color string) error {
	if _, err := d.cfg.ranges(color); err != nil {
		return err
	}
	d.mu.Lock()
	d.target = normalizeColor(color)
	d.mu.Unlock()
	d.logger.Info("target color changed", "color", color)
	return nil
}

// TargetColor returns the colour currently tracked.
func (d *Detector) TargetColor() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// DetectJPEG decodes a JPEG frame and runs Detect on it.
func (d *Detector) DetectJPEG(ctx context.Context, jpeg []byte) (perception.Report, error) {
	if err := ctx.Err(); err != nil {
		return perception.Report{}, err
	}
	if len(jpeg) == 0 {
		return perception.Report{}, ErrEmptyFrame
	}
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return perception.Report{}, fmt.Errorf("vision: decode frame: %w", err)
	}
	defer img.Close()
	return d.Detect(img)
}

// Detect runs every enabled detector on a BGR frame. Detections are ordered
// best first, so Report.Center picks the most prominent one.
func (d *Detector) Detect(img gocv.Mat) (perception.Report, error) {
	if img.Empty() {
		return perception.Report{}, ErrEmptyFrame
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	r := perception.Report{FrameWidth: img.Cols(), FrameHeight: img.Rows()}
	if d.faces != nil {
		r.Faces = d.detectFaces(img)
	}
	if d.target != "" {
		colors, err := d.detectColor(img, d.target)
		if err != nil {
			return perception.Report{}, err
		}
		r.Colors = colors
	}
	if d.qr != nil {
		r.QRCodes = d.detectQR(img)
	}

	if !r.Empty() {
		d.logger.Debug("detections", "faces", len(r.Faces), "colors", len(r.Colors), "qr", len(r.QRCodes))
	}
	return r, nil
}

func (d *Detector) detectFaces(img gocv.Mat) []perception.Detection {
	d.faces.SetInputSize(image.Pt(img.Cols(), img.Rows()))
	out := gocv.NewMat()
	defer out.Close()
	d.faces.Detect(img, &out)

	var dets []perception.Detection
	for row := 0; row < out.Rows(); row++ {
		// columns 0-3 are the pixel box, 4-13 landmarks, 14 the score
		x := float64(out.GetFloatAt(row, 0))
		y := float64(out.GetFloatAt(row, 1))
		w := float64(out.GetFloatAt(row, 2))
		h := float64(out.GetFloatAt(row, 3))
		dets = append(dets, perception.Detection{
			Kind:       perception.KindFace,
			X:          x + w/2,
			Y:          y + h/2,
			Width:      w,
			Height:     h,
			Confidence: float64(out.GetFloatAt(row, 14)),
		})
	}
	rankFaces(dets)
	return dets
}

func (d *Detector) detectColor(img gocv.Mat, color string) ([]perception.Detection, error) {
	ranges, err := d.cfg.ranges(color)
	if err != nil {
		return nil, err
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), img.Rows(), img.Cols(), gocv.MatTypeCV8U)
	defer mask.Close()
	part := gocv.NewMat()
	defer part.Close()
	for _, rg := range ranges {
		lo := gocv.NewScalar(rg.Lower[0], rg.Lower[1], rg.Lower[2], 0)
		hi := gocv.NewScalar(rg.Upper[0], rg.Upper[1], rg.Upper[2], 0)
		gocv.InRangeWithScalar(hsv, lo, hi, &part)
		gocv.BitwiseOr(mask, part, &mask)
	}
	gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, d.kernel)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var dets []perception.Detection
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) < d.cfg.MinColorArea {
			continue
		}
		box := gocv.BoundingRect(c)
		dets = append(dets, boxDetection(perception.KindColor, color, box, 0))
	}
	sortByArea(dets)
	return dets, nil
}

func (d *Detector) detectQR(img gocv.Mat) []perception.Detection {
	points := gocv.NewMat()
	defer points.Close()
	straight := gocv.NewMat()
	defer straight.Close()

	text := d.qr.DetectAndDecode(img, &points, &straight)
	if text == "" || points.Empty() {
		return nil
	}

	var corners []image.Point
	for i := 0; i < points.Cols(); i++ {
		v := points.GetVecfAt(0, i)
		if len(v) < 2 {
			continue
		}
		corners = append(corners, image.Pt(int(v[0]), int(v[1])))
	}
	if len(corners) == 0 {
		return nil
	}
	return []perception.Detection{boxDetection(perception.KindQR, text, bounds(corners), 1)}
}

// Close releases the models.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faces != nil {
		d.faces.Close()
		d.faces = nil
	}
	if d.qr != nil {
		d.qr.Close()
		d.qr = nil
	}
	return d.kernel.Close()
}

func boxDetection(kind, label string, box image.Rectangle, confidence float64) perception.Detection {
	w, h := float64(box.Dx()), float64(box.Dy())
	return perception.Detection{
		Kind:       kind,
		Label:      label,
		X:          float64(box.Min.X) + w/2,
		Y:          float64(box.Min.Y) + h/2,
		Width:      w,
		Height:     h,
		Confidence: confidence,
	}
}

func bounds(pts []image.Point) image.Rectangle {
	r := image.Rectangle{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		r.Min.X, r.Min.Y = min(r.Min.X, p.X), min(r.Min.Y, p.Y)
		r.Max.X, r.Max.Y = max(r.Max.X, p.X), max(r.Max.Y, p.Y)
	}
	return r
}

// rankFaces orders faces best first by confidence*0.7 + relative area*0.3.
func rankFaces(dets []perception.Detection) {
	maxArea := 0.0
	for _, d := range dets {
		maxArea = max(maxArea, d.Area())
	}
	if maxArea == 0 {
		maxArea = 1
	}
	score := func(d perception.Detection) float64 {
		return d.Confidence*0.7 + (d.Area()/maxArea)*0.3
	}
	sort.SliceStable(dets, func(i, j int) bool { return score(dets[i]) > score(dets[j]) })
}

func sortByArea(dets []perception.Detection) {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Area() > dets[j].Area() })
}

package vision

import (
	"fmt"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// Face is a detected face region in original-image pixel coordinates.
type Face struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
}

// Detector runs RetinaFace (det_10g) face detection via ONNX Runtime.
// Landmark outputs of the model are ignored; only scores and boxes are
// decoded.
type Detector struct {
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	scoreTensors  []*ort.Tensor[float32]
	bboxTensors   []*ort.Tensor[float32]
	threshold     float32
	inputW        int
	inputH        int
}

// det_10g emits anchor-based outputs at three strides, two anchors per
// feature-map cell, with no batch dimension.
var detStrides = []int{8, 16, 32}

const anchorsPerCell = 2

func NewDetector(modelPath string, threshold float32) (*Detector, error) {
	inputW, inputH := 640, 640

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// Output names and row counts per stride:
	//   scores "448"/"471"/"494": [12800,1] [3200,1] [800,1]
	//   bboxes "451"/"474"/"497": [12800,4] [3200,4] [800,4]
	// 12800 = (640/8)^2 * 2, and so on per stride.
	scoreNames := []string{"448", "471", "494"}
	bboxNames := []string{"451", "474", "497"}

	var (
		outputNames   []string
		outputValues  []ort.Value
		scoreTensors  []*ort.Tensor[float32]
		bboxTensors   []*ort.Tensor[float32]
		createdAll    []*ort.Tensor[float32]
	)

	destroyAll := func() {
		inputTensor.Destroy()
		for _, t := range createdAll {
			t.Destroy()
		}
	}

	for i, stride := range detStrides {
		rows := int64(inputW / stride * inputH / stride * anchorsPerCell)

		st, err := ort.NewEmptyTensor[float32](ort.NewShape(rows, 1))
		if err != nil {
			destroyAll()
			return nil, fmt.Errorf("create score tensor stride %d: %w", stride, err)
		}
		createdAll = append(createdAll, st)
		scoreTensors = append(scoreTensors, st)
		outputNames = append(outputNames, scoreNames[i])
		outputValues = append(outputValues, st)

		bt, err := ort.NewEmptyTensor[float32](ort.NewShape(rows, 4))
		if err != nil {
			destroyAll()
			return nil, fmt.Errorf("create bbox tensor stride %d: %w", stride, err)
		}
		createdAll = append(createdAll, bt)
		bboxTensors = append(bboxTensors, bt)
		outputNames = append(outputNames, bboxNames[i])
		outputValues = append(outputValues, bt)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		outputNames,
		[]ort.Value{inputTensor},
		outputValues,
		nil,
	)
	if err != nil {
		destroyAll()
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &Detector{
		session:      session,
		inputTensor:  inputTensor,
		scoreTensors: scoreTensors,
		bboxTensors:  bboxTensors,
		threshold:    threshold,
		inputW:       inputW,
		inputH:       inputH,
	}, nil
}

// Detect runs face detection on preprocessed CHW input and returns faces
// scaled back to the original image size, best first.
func (d *Detector) Detect(imgData []float32, origW, origH int) ([]Face, error) {
	copy(d.inputTensor.GetData(), imgData)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	faces := d.decode(origW, origH)
	faces = suppressOverlaps(faces, 0.4)

	sort.Slice(faces, func(i, j int) bool {
		return faces[i].Confidence > faces[j].Confidence
	})
	return faces, nil
}

// decode turns anchor-relative distances into pixel boxes.
func (d *Detector) decode(origW, origH int) []Face {
	var faces []Face

	scaleW := float32(origW) / float32(d.inputW)
	scaleH := float32(origH) / float32(d.inputH)

	for si, stride := range detStrides {
		scores := d.scoreTensors[si].GetData()
		bboxes := d.bboxTensors[si].GetData()

		cellsW := d.inputW / stride
		cellsH := d.inputH / stride
		st := float32(stride)

		idx := 0
		for cy := 0; cy < cellsH; cy++ {
			for cx := 0; cx < cellsW; cx++ {
				for a := 0; a < anchorsPerCell; a++ {
					score := scores[idx]
					if score >= d.threshold {
						anchorX := float32(cx) * st
						anchorY := float32(cy) * st

						x1 := (anchorX - bboxes[idx*4+0]*st) * scaleW
						y1 := (anchorY - bboxes[idx*4+1]*st) * scaleH
						x2 := (anchorX + bboxes[idx*4+2]*st) * scaleW
						y2 := (anchorY + bboxes[idx*4+3]*st) * scaleH

						faces = append(faces, Face{
							BBox: [4]float32{
								clampF(x1, 0, float32(origW)),
								clampF(y1, 0, float32(origH)),
								clampF(x2, 0, float32(origW)),
								clampF(y2, 0, float32(origH)),
							},
							Confidence: score,
						})
					}
					idx++
				}
			}
		}
	}

	return faces
}

// InputSize returns the model's expected input dimensions.
func (d *Detector) InputSize() (int, int) {
	return d.inputW, d.inputH
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	for _, t := range d.scoreTensors {
		t.Destroy()
	}
	for _, t := range d.bboxTensors {
		t.Destroy()
	}
}

// suppressOverlaps drops lower-confidence faces overlapping a kept one.
func suppressOverlaps(faces []Face, iouThreshold float32) []Face {
	if len(faces) < 2 {
		return faces
	}

	sort.Slice(faces, func(i, j int) bool {
		return faces[i].Confidence > faces[j].Confidence
	})

	var kept []Face
	for _, f := range faces {
		overlap := false
		for _, k := range kept {
			if iou(f.BBox, k.BBox) > iouThreshold {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, f)
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	x1 := float32(math.Max(float64(a[0]), float64(b[0])))
	y1 := float32(math.Max(float64(a[1]), float64(b[1])))
	x2 := float32(math.Min(float64(a[2]), float64(b[2])))
	y2 := float32(math.Min(float64(a[3]), float64(b[3])))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

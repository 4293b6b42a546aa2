// Package vision labels image attachments with an ImageNet classifier so the
// agent endpoint receives a textual hint about what each picture shows.
package vision

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

const inputSide = 224

// ImageNet normalization, standard for torchvision-exported models.
var (
	chanMean = [3]float32{0.485, 0.456, 0.406}
	chanStd  = [3]float32{0.229, 0.224, 0.225}
)

// LabelScore is one predicted class with its softmax probability.
type LabelScore struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Labeler runs a MobileNet-class ONNX model over decoded images. It is safe
// for concurrent use; inference is serialized on one session.
type Labeler struct {
	mu sync.Mutex

	modelPath  string
	labelsPath string
	libPath    string
	topK       int

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	labels  []string
	loaded  bool
}

func NewLabeler(modelPath, labelsPath, onnxLibPath string, topK int) *Labeler {
	if topK <= 0 {
		topK = 5
	}
	return &Labeler{
		modelPath:  modelPath,
		labelsPath: labelsPath,
		libPath:    onnxLibPath,
		topK:       topK,
	}
}

// Labels classifies the image and returns the top-k predictions, best first.
func (l *Labeler) Labels(imageData []byte) ([]LabelScore, error) {
	if err := l.load(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	l.mu.Lock()
	fillInput(l.input.GetData(), img)
	runErr := l.session.Run()
	var logits []float32
	if runErr == nil {
		logits = append([]float32(nil), l.output.GetData()...)
	}
	l.mu.Unlock()
	if runErr != nil {
		return nil, fmt.Errorf("onnx run: %w", runErr)
	}

	return l.topScores(logits), nil
}

// Describe renders the predictions as one line usable inside a prompt, e.g.
// "golden retriever (0.82), tennis ball (0.09)".
func Describe(scores []LabelScore) string {
	parts := make([]string, 0, len(scores))
	for _, s := range scores {
		parts = append(parts, fmt.Sprintf("%s (%.2f)", s.Label, s.Score))
	}
	return strings.Join(parts, ", ")
}

func (l *Labeler) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}

	if l.libPath != "" {
		ort.SetSharedLibraryPath(l.libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("onnx init environment: %w", err)
	}

	labels, err := readLabels(l.labelsPath)
	if err != nil {
		return fmt.Errorf("read labels: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(l.modelPath)
	if err != nil {
		return fmt.Errorf("onnx model info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("onnx model has no inputs or outputs")
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputs[0].Dimensions)
	if err != nil {
		return fmt.Errorf("onnx input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputs[0].Dimensions)
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("onnx output tensor: %w", err)
	}

	inputNames := []string{inputs[0].Name}
	outputNames := []string{outputs[0].Name}
	session, err := ort.NewAdvancedSession(l.modelPath, inputNames, outputNames,
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		outputTensor.Destroy()
		inputTensor.Destroy()
		return fmt.Errorf("onnx session: %w", err)
	}

	l.labels = labels
	l.input = inputTensor
	l.output = outputTensor
	l.session = session
	l.loaded = true
	return nil
}

// fillInput resizes the image to the model's square input and writes it as
// normalized NCHW float32 into dst.
func fillInput(dst []float32, img image.Image) {
	resized := image.NewRGBA(image.Rect(0, 0, inputSide, inputSide))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	plane := inputSide * inputSide
	for y := 0; y < inputSide; y++ {
		for x := 0; x < inputSide; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := y*inputSide + x
			if len(dst) >= 3*plane {
				dst[idx] = (float32(r)/65535.0 - chanMean[0]) / chanStd[0]
				dst[plane+idx] = (float32(g)/65535.0 - chanMean[1]) / chanStd[1]
				dst[2*plane+idx] = (float32(b)/65535.0 - chanMean[2]) / chanStd[2]
			}
		}
	}
}

func (l *Labeler) topScores(logits []float32) []LabelScore {
	probs := softmax(logits)
	scored := make([]LabelScore, 0, len(probs))
	for i, p := range probs {
		label := fmt.Sprintf("class %d", i)
		if i < len(l.labels) {
			label = l.labels[i]
		}
		scored = append(scored, LabelScore{Label: label, Score: p})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > l.topK {
		scored = scored[:l.topK]
	}
	return scored
}

func softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	out := make([]float32, len(logits))
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// Package imaging turns raw product photos into model input tensors.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// InputSize is the square edge length expected by the classifier.
const InputSize = 380

// ErrUnsupportedImage means the bytes could not be decoded as an image.
var ErrUnsupportedImage = errors.New("unsupported image")

// ImageNet channel statistics.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor is a normalized CHW float32 image.
type Tensor struct {
	Channels     int
	Height       int
	Width        int
	Data         []float32
	SourceWidth  int
	SourceHeight int
	Format       string
}

// Shape returns [C, H, W].
func (t *Tensor) Shape() []int {
	return []int{t.Channels, t.Height, t.Width}
}

// Preprocess decodes data, scales it to InputSize x InputSize and normalizes
// each channel. Decoding failures wrap ErrUnsupportedImage.
func Preprocess(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnsupportedImage)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrUnsupportedImage)
	}

	dst := image.NewRGBA(image.Rect(0, 0, InputSize, InputSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	plane := InputSize * InputSize
	out := make([]float32, 3*plane)
	for y := 0; y < InputSize; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < InputSize; x++ {
			px := row[x*4:]
			i := y*InputSize + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				out[c*plane+i] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}

	return &Tensor{
		Channels:     3,
		Height:       InputSize,
		Width:        InputSize,
		Data:         out,
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
		Format:       format,
	}, nil
}

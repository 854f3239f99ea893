package captcha

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
)

const (
	alphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultLength = 6
	width         = 220
	height        = 100
	fontSize      = 40
)

// Generator renders random alphanumeric challenges as PNG images.
type Generator struct {
	length int

	mu   sync.Mutex // font.Face caches glyphs and is not safe for concurrent use
	face font.Face
}

func NewGenerator(length int) (*Generator, error) {
	if length <= 0 {
		length = defaultLength
	}
	face, err := loadFont(gomono.TTF, fontSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load captcha font: %w", err)
	}
	return &Generator{length: length, face: face}, nil
}

// Generate returns a fresh challenge and its image.
func (g *Generator) Generate() (string, []byte, error) {
	text, err := randomText(g.length)
	if err != nil {
		return "", nil, err
	}
	img, err := g.render(text)
	if err != nil {
		return "", nil, err
	}
	return text, img, nil
}

func (g *Generator) render(text string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	// Background noise lines.
	for i := 0; i < 8; i++ {
		dc.SetRGBA(mrand.Float64(), mrand.Float64(), mrand.Float64(), 0.5)
		dc.SetLineWidth(1 + mrand.Float64()*2)
		dc.DrawLine(
			mrand.Float64()*width, mrand.Float64()*height,
			mrand.Float64()*width, mrand.Float64()*height,
		)
		dc.Stroke()
	}

	dc.SetFontFace(g.face)
	step := float64(width-20) / float64(len(text))
	for i, r := range text {
		x := 10 + step*float64(i) + step/2
		y := float64(height)/2 + (mrand.Float64()-0.5)*16

		dc.Push()
		dc.RotateAbout(gg.Radians((mrand.Float64()-0.5)*40), x, y)
		dc.SetRGB(mrand.Float64()*0.4, mrand.Float64()*0.4, mrand.Float64()*0.4)
		dc.DrawStringAnchored(string(r), x, y, 0.5, 0.5)
		dc.Pop()
	}

	for i := 0; i < 150; i++ {
		dc.SetRGBA(0, 0, 0, 0.3)
		dc.SetPixel(mrand.IntN(width), mrand.IntN(height))
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode captcha: %w", err)
	}
	return buf.Bytes(), nil
}

func randomText(n int) (string, error) {
	out := make([]byte, n)
	limit := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

func loadFont(fontData []byte, size float64) (font.Face, error) {
	f, err := truetype.Parse(fontData)
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(f, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	}), nil
}

package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	"tg-captcha-bot/internal/domain"
)

const (
	width  = 360
	height = 160
)

// Renderer рисует картинки проверок.
type Renderer struct {
	face     font.Face
	scaled   bool
	supports func(ch rune) bool

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ domain.Renderer = (*Renderer)(nil)

// New создаёт рендерер. Без пути к шрифту используется встроенный моноширинный,
// который не умеет иероглифы.
func New(fontPath string, rnd *rand.Rand) (*Renderer, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	r := &Renderer{rnd: rnd}
	if fontPath == "" {
		r.face = basicfont.Face7x13
		r.scaled = true
		r.supports = func(ch rune) bool { return ch >= 0x20 && ch < 0x7f }
		return r, nil
	}
	data, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("чтение шрифта: %w", err)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("разбор шрифта: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: 56, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("создание начертания: %w", err)
	}
	r.face = face
	var buf sfnt.Buffer
	r.supports = func(ch rune) bool {
		idx, err := f.GlyphIndex(&buf, ch)
		return err == nil && idx != 0
	}
	return r, nil
}

// Render рисует текст в заданном стиле и кодирует картинку в PNG.
func (r *Renderer) Render(text string, style domain.RenderStyle) (domain.Image, error) {
	if text == "" {
		return domain.Image{}, errors.New("пустой текст")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range text {
		if !r.supports(ch) {
			return domain.Image{}, fmt.Errorf("шрифт не содержит символ %q", ch)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{R: 250, G: 250, B: 245, A: 255}), image.Point{}, xdraw.Src)

	glyphs, err := r.drawText(text, style)
	if err != nil {
		return domain.Image{}, err
	}
	// вписываем текст в картинку с полями
	sb := glyphs.Bounds()
	scale := min(float64(width-40)/float64(sb.Dx()), float64(height-40)/float64(sb.Dy()))
	w, h := int(float64(sb.Dx())*scale), int(float64(sb.Dy())*scale)
	rect := image.Rect((width-w)/2, (height-h)/2, (width+w)/2, (height+h)/2)
	var scaler xdraw.Scaler = xdraw.CatmullRom
	if r.scaled {
		scaler = xdraw.NearestNeighbor
	}
	scaler.Scale(dst, rect, glyphs, sb, xdraw.Over, nil)

	if style == domain.StyleNoisy {
		r.noise(dst)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return domain.Image{}, fmt.Errorf("кодирование png: %w", err)
	}
	return domain.Image{Name: "captcha.png", Data: buf.Bytes(), Width: width, Height: height}, nil
}

// drawText рисует строку на прозрачном холсте по размеру текста.
// В шумном стиле символы смещаются по вертикали и получают разные цвета.
func (r *Renderer) drawText(text string, style domain.RenderStyle) (*image.RGBA, error) {
	metrics := r.face.Metrics()
	ascent := metrics.Ascent.Ceil()
	lineH := (metrics.Ascent + metrics.Descent).Ceil()
	jitter := 0
	if style == domain.StyleNoisy {
		jitter = lineH / 4
	}
	adv := font.MeasureString(r.face, text).Ceil()
	if adv <= 0 {
		return nil, errors.New("шрифт не содержит символов текста")
	}
	canvas := image.NewRGBA(image.Rect(0, 0, adv+len(text)*2, lineH+2*jitter))
	d := &font.Drawer{Dst: canvas, Face: r.face}
	x := fixed.I(0)
	for _, ch := range text {
		dy := 0
		if jitter > 0 {
			dy = r.rnd.IntN(2*jitter+1) - jitter
		}
		d.Src = image.NewUniform(r.inkColor(style))
		d.Dot = fixed.Point26_6{X: x, Y: fixed.I(ascent + jitter + dy)}
		d.DrawString(string(ch))
		x = d.Dot.X + fixed.I(2)
	}
	return canvas, nil
}

func (r *Renderer) inkColor(style domain.RenderStyle) color.Color {
	if style != domain.StyleNoisy {
		return color.RGBA{R: 30, G: 30, B: 40, A: 255}
	}
	return color.RGBA{
		R: uint8(r.rnd.IntN(120)),
		G: uint8(r.rnd.IntN(120)),
		B: uint8(r.rnd.IntN(120)),
		A: 255,
	}
}

// noise добавляет случайные точки и линии поверх текста.
func (r *Renderer) noise(dst *image.RGBA) {
	for i := 0; i < width*height/25; i++ {
		c := color.RGBA{R: uint8(r.rnd.IntN(256)), G: uint8(r.rnd.IntN(256)), B: uint8(r.rnd.IntN(256)), A: 255}
		dst.Set(r.rnd.IntN(width), r.rnd.IntN(height), c)
	}
	for i := 0; i < 6; i++ {
		x0, y0 := r.rnd.IntN(width), r.rnd.IntN(height)
		x1, y1 := r.rnd.IntN(width), r.rnd.IntN(height)
		line(dst, x0, y0, x1, y1, color.RGBA{R: uint8(r.rnd.IntN(160)), G: uint8(r.rnd.IntN(160)), B: uint8(r.rnd.IntN(160)), A: 255})
	}
}

func line(dst *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		dst.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

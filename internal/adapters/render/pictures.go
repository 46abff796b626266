package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	"tg-captcha-bot/internal/domain"
)

const (
	picWidth  = 320
	picHeight = 240
)

// LoadPictures читает наборы картинок: каждый подкаталог dir задаёт метку,
// файлы в нём служат вариантами. Картинки приводятся к одному размеру.
func LoadPictures(dir string) (map[string][]domain.Image, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога картинок: %w", err)
	}
	out := make(map[string][]domain.Image)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		label := e.Name()
		files, err := os.ReadDir(filepath.Join(dir, label))
		if err != nil {
			return nil, fmt.Errorf("чтение набора %s: %w", label, err)
		}
		for _, f := range files {
			ext := strings.ToLower(filepath.Ext(f.Name()))
			if f.IsDir() || (ext != ".png" && ext != ".jpg" && ext != ".jpeg") {
				continue
			}
			img, err := loadPicture(filepath.Join(dir, label, f.Name()))
			if err != nil {
				return nil, err
			}
			out[label] = append(out[label], img)
		}
	}
	return out, nil
}

func loadPicture(path string) (domain.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Image{}, fmt.Errorf("чтение %s: %w", path, err)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return domain.Image{}, fmt.Errorf("декодирование %s: %w", path, err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, picWidth, picHeight))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return domain.Image{}, fmt.Errorf("кодирование %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".png"
	return domain.Image{Name: name, Data: buf.Bytes(), Width: picWidth, Height: picHeight}, nil
}

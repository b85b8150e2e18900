package signer

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var iconSizes = []struct {
	file string
	size uint
}{
	{"FRIcon60x60@2x.png", 120},
	{"FRIcon76x76@2x~ipad.png", 152},
}

// setIcon renders the image at path into the app's icon files and points
// CFBundleIcons and CFBundleIcons~ipad at them.
func setIcon(b *bundle.Bundle, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open icon: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to decode icon: %w", err)
	}

	for _, is := range iconSizes {
		if err := writePNG(filepath.Join(b.Dir(), is.file), fill(src, is.size)); err != nil {
			return err
		}
	}

	icons := func(files ...interface{}) map[string]interface{} {
		return map[string]interface{}{
			"CFBundlePrimaryIcon": map[string]interface{}{
				"CFBundleIconFiles": files,
				"CFBundleIconName":  "FRIcon",
			},
		}
	}
	if err := b.SetInfoPlistKey("CFBundleIcons", icons("FRIcon60x60")); err != nil {
		return err
	}
	return b.SetInfoPlistKey("CFBundleIcons~ipad", icons("FRIcon60x60", "FRIcon76x76"))
}

// fill scales img to cover a size x size square and crops the overflow
// evenly from both sides.
func fill(img image.Image, size uint) image.Image {
	bounds := img.Bounds()
	var scaled image.Image
	if bounds.Dx() < bounds.Dy() {
		scaled = resize.Resize(size, 0, img, resize.Lanczos3)
	} else {
		scaled = resize.Resize(0, size, img, resize.Lanczos3)
	}
	sb := scaled.Bounds()
	offset := image.Pt(sb.Min.X+(sb.Dx()-int(size))/2, sb.Min.Y+(sb.Dy()-int(size))/2)

	dst := image.NewNRGBA(image.Rect(0, 0, int(size), int(size)))
	draw.Draw(dst, dst.Bounds(), scaled, offset, draw.Src)
	return dst
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

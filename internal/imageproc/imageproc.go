// Package imageproc downloads attachment images from a fediverse
// instance, validates and content-addresses them, and produces an
// optimized local copy for the caption generator to read.
package imageproc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/singleflight"
)

// Result describes a downloaded and validated image ready for captioning.
type Result struct {
	LocalPath   string
	ContentHash string
	MIMEType    string
	WidthPx     int
	HeightPx    int
	ByteSize    int64
}

// Processor downloads, validates, and optimizes post attachments.
type Processor struct {
	storageDir string
	maxBytes   int64
	maxDimPx   int
	httpClient *http.Client
	inflight   singleflight.Group
}

// NewProcessor builds a Processor rooted at storageDir.
func NewProcessor(storageDir string, maxBytes int64, maxDimPx int) *Processor {
	return &Processor{
		storageDir: storageDir,
		maxBytes:   maxBytes,
		maxDimPx:   maxDimPx,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads sourceURL, validates its MIME type, content-addresses
// it, and writes an optimized copy to disk. Concurrent calls for the
// same sourceURL within the same process are deduplicated via
// singleflight, since two posts can reference the same attachment URL
// (a reblog/boost) and there is no reason to pay for the download twice.
func (p *Processor) Fetch(ctx context.Context, sourceURL string) (Result, error) {
	v, err, _ := p.inflight.Do(sourceURL, func() (interface{}, error) {
		return p.fetch(ctx, sourceURL)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Processor) fetch(ctx context.Context, sourceURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: unexpected status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, p.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: image exceeds max size of %d bytes", p.maxBytes)
	}

	mtype := mimetype.Detect(data)
	if !isSupportedImage(mtype.String()) {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: unsupported content type %q", mtype.String())
	}

	hash := ContentHash(data)
	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: decode: %w", err)
	}

	optimized := downscale(decoded, p.maxDimPx)
	bounds := optimized.Bounds()

	localPath, err := p.writeOptimized(hash, format, optimized)
	if err != nil {
		return Result{}, err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return Result{}, fmt.Errorf("op=imageproc.Fetch: stat: %w", err)
	}

	return Result{
		LocalPath:   localPath,
		ContentHash: hash,
		MIMEType:    mtype.String(),
		WidthPx:     bounds.Dx(),
		HeightPx:    bounds.Dy(),
		ByteSize:    info.Size(),
	}, nil
}

func (p *Processor) writeOptimized(hash, format string, img image.Image) (string, error) {
	dir := filepath.Join(p.storageDir, hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=imageproc.writeOptimized: %w", err)
	}
	ext := extensionFor(format)
	path := filepath.Join(dir, hash+ext)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("op=imageproc.writeOptimized: %w", err)
	}
	defer f.Close()

	switch ext {
	case ".png":
		err = png.Encode(f, img)
	case ".gif":
		err = gif.Encode(f, img, nil)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return "", fmt.Errorf("op=imageproc.writeOptimized: encode: %w", err)
	}
	return path, nil
}

// ContentHash returns the stable content address used for dedup across
// posts that reference the same attachment.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isSupportedImage(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/gif":
		return true
	default:
		return false
	}
}

func extensionFor(format string) string {
	switch format {
	case "png":
		return ".png"
	case "gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// downscale returns img unchanged if it already fits within maxDimPx on
// its longest edge, otherwise returns a nearest-neighbor-resized copy.
// Vision models cap their input resolution anyway, so a cheap resize
// algorithm is sufficient here; there is no visual-quality requirement
// once the image is below the model's input size.
func downscale(img image.Image, maxDimPx int) image.Image {
	if maxDimPx <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDimPx {
		return img
	}

	scale := float64(maxDimPx) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		srcY := b.Min.Y + y*h/newH
		for x := 0; x < newW; x++ {
			srcX := b.Min.X + x*w/newW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

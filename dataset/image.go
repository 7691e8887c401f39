package dataset

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

// ScanConfig controls decoding of an on-disk partition.
type ScanConfig struct {
	ImageSize int
	Classes   int
	Mean      float64
	Std       float64
}

// DefaultScanConfig carries the normalization constants the backbone was
// pretrained with.
func DefaultScanConfig(imageSize, classes int) ScanConfig {
	return ScanConfig{
		ImageSize: imageSize,
		Classes:   classes,
		Mean:      0.1307,
		Std:       0.3081,
	}
}

// Scan walks root/<label>/* in the usual image-folder convention, one
// directory per integer class label, and decodes every image into a
// normalized grayscale feature row. Directory listings are sorted, so the
// resulting partition order is stable across runs.
func Scan(root string, cfg ScanConfig) (*Partition, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read partition dir: %w", err)
	}

	var samples []Sample
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		label, err := strconv.Atoi(e.Name())
		if err != nil {
			return nil, &MalformedBatchError{
				Index:  len(samples),
				Reason: fmt.Sprintf("label directory %q is not an integer", e.Name()),
			}
		}
		if label < 0 || label >= cfg.Classes {
			return nil, &MalformedBatchError{
				Index:  len(samples),
				Reason: fmt.Sprintf("label %d outside [0,%d)", label, cfg.Classes),
			}
		}

		dir := filepath.Join(root, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read label dir %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || !isImageFile(f.Name()) {
				continue
			}
			feats, err := decodeImage(filepath.Join(dir, f.Name()), cfg)
			if err != nil {
				return nil, err
			}
			samples = append(samples, Sample{Features: feats, Label: label})
		}
	}
	return NewPartition(samples, cfg.ImageSize*cfg.ImageSize, cfg.Classes)
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	default:
		return false
	}
}

func decodeImage(path string, cfg ScanConfig) ([]float64, error) {
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if img.Empty() {
		return nil, fmt.Errorf("decode image %s", path)
	}
	defer img.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(cfg.ImageSize, cfg.ImageSize), 0, 0, gocv.InterpolationLinear)

	f32 := gocv.NewMat()
	defer f32.Close()
	resized.ConvertTo(&f32, gocv.MatTypeCV32F)

	vals, err := f32.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read pixels of %s: %w", path, err)
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = (float64(v)/255 - cfg.Mean) / cfg.Std
	}
	return out, nil
}

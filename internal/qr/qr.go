// Package qr renders the scannable code placed next to the ad video.
package qr

import (
	"fmt"
	"os"
	"path/filepath"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	FileName = "qrcode.png"
	Size     = 530 // matches the overlay size so the compositor does not resample
)

// Write encodes content as a PNG at path, replacing any previous file.
// The output is deterministic for a given content.
func Write(content, path string) error {
	if content == "" {
		return fmt.Errorf("qr: empty content")
	}
	png, err := qrcode.Encode(content, qrcode.Medium, Size)
	if err != nil {
		return fmt.Errorf("qr: encoding %q: %w", content, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("qr: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("qr: writing %s: %w", path, err)
	}
	return nil
}

package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

var (
	ErrNoDownloadURL    = errors.New("manifest has no download url")
	ErrChecksumMismatch = errors.New("firmware checksum mismatch")
)

// MaxImageSize caps how much a single download may write to disk.
const MaxImageSize = 256 << 20

// Stager downloads firmware images into a local directory. Applying a staged
// image is left to the device's boot process.
type Stager struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

func NewStager(dir string, timeout time.Duration, logger *slog.Logger) *Stager {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		dir:    dir,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ImagePath is where the image for version ends up.
func (s *Stager) ImagePath(version string) string {
	return filepath.Join(s.dir, fmt.Sprintf("ota_update_%s.bin", filepath.Base(version)))
}

// Install downloads the image, checks it against the manifest checksum when
// one is given and moves it into place.
func (s *Stager) Install(ctx context.Context, manifest domain.OTAManifest) (string, error) {
	if manifest.DownloadURL == "" {
		return "", ErrNoDownloadURL
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create firmware dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifest.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download firmware: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download firmware: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(s.dir, "ota-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), io.LimitReader(resp.Body, MaxImageSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write firmware: %w", err)
	}
	if n > MaxImageSize {
		return "", fmt.Errorf("firmware image larger than %d bytes", MaxImageSize)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if want := normalizeChecksum(manifest.Checksum); want != "" && want != sum {
		return "", fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, want)
	}

	path := s.ImagePath(manifest.Version)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("stage firmware: %w", err)
	}

	s.logger.Info("Firmware staged", "version", manifest.Version, "path", path, "bytes", n)
	return path, nil
}

// normalizeChecksum accepts "sha256:<hex>" or bare hex.
func normalizeChecksum(c string) string {
	c = strings.TrimSpace(strings.ToLower(c))
	return strings.TrimPrefix(c, "sha256:")
}

// Package depmanager resolves the external binaries the downloaders run:
// yt-dlp and ffmpeg. Binaries come from PATH or are installed into BinsDir.
package depmanager

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"mediaqueue/internal/config"
	"mediaqueue/internal/errs"

	"github.com/ulikunitz/xz"
)

// Binary is the name of an external executable.
type Binary string

// Managed binaries.
const (
	BinaryYTdlp   Binary = "yt-dlp"
	BinaryFFmpeg  Binary = "ffmpeg"
	BinaryFFprobe Binary = "ffprobe"
)

const (
	downloadTimeout    = 10 * time.Minute
	filePermExecutable = 0o755
)

// Platform is an OS and architecture pair.
type Platform struct {
	OS   string
	Arch string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Manager knows where every managed binary lives.
type Manager struct {
	log      *slog.Logger
	cfg      config.DepManager
	platform Platform
	client   *http.Client

	mu    sync.RWMutex
	paths map[Binary]string
}

// New creates a Manager for the running platform.
func New(log *slog.Logger, cfg config.DepManager) *Manager {
	return &Manager{
		log:      log.With(slog.String("package", "depmanager")),
		cfg:      cfg,
		platform: Platform{OS: runtime.GOOS, Arch: runtime.GOARCH},
		client:   &http.Client{Timeout: downloadTimeout},
		paths:    make(map[Binary]string),
	}
}

// Resolve locates yt-dlp and ffmpeg. With UseSystemBinaries PATH is searched
// first; binaries found in neither PATH nor BinsDir are downloaded.
func (m *Manager) Resolve(ctx context.Context) error {
	for _, bin := range []Binary{BinaryYTdlp, BinaryFFmpeg} {
		if err := m.resolve(ctx, bin); err != nil {
			return fmt.Errorf("resolve %s: %w", bin, err)
		}
	}

	m.mu.RLock()
	m.log.InfoContext(ctx, "binaries resolved", slog.Any("binaries", m.paths))
	m.mu.RUnlock()

	return nil
}

func (m *Manager) resolve(ctx context.Context, bin Binary) error {
	if m.cfg.UseSystemBinaries {
		if path, err := exec.LookPath(string(bin)); err == nil {
			m.setPath(bin, path)

			return nil
		}

		m.log.DebugContext(ctx, "binary not in PATH", slog.String("binary", string(bin)))
	}

	if m.installed(bin) {
		m.setPath(bin, m.binPath(bin))

		return nil
	}

	return m.install(ctx, bin)
}

// Path returns the resolved path of bin, or "" before Resolve found it.
func (m *Manager) Path(bin Binary) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.paths[bin]
}

func (m *Manager) setPath(bin Binary, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paths[bin] = path
}

func (m *Manager) binPath(bin Binary) string {
	return filepath.Join(m.cfg.BinsDir, string(bin))
}

func (m *Manager) installed(bin Binary) bool {
	fi, err := os.Stat(m.binPath(bin))

	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func (m *Manager) downloadURL(bin Binary) (string, error) {
	if m.platform.OS != "linux" {
		return "", fmt.Errorf("%w: %s", errs.ErrUnsupportedPlatform, m.platform)
	}

	var arm64, amd64 string

	switch bin {
	case BinaryYTdlp:
		arm64, amd64 = m.cfg.YTdlpLinuxARM64, m.cfg.YTdlpLinuxAMD64
	case BinaryFFmpeg, BinaryFFprobe:
		arm64, amd64 = m.cfg.FFmpegLinuxARM64, m.cfg.FFmpegLinuxAMD64
	}

	url := amd64
	if m.platform.Arch == "arm64" {
		url = arm64
	}

	if url == "" {
		return "", fmt.Errorf("%w: no download url for %s on %s", errs.ErrBinaryNotFound, bin, m.platform)
	}

	return url, nil
}

// install downloads bin into BinsDir. Archives are unpacked and only the
// executables are kept.
func (m *Manager) install(ctx context.Context, bin Binary) error {
	url, err := m.downloadURL(bin)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.cfg.BinsDir, filePermExecutable); err != nil {
		return fmt.Errorf("create bins dir: %w", err)
	}

	log := m.log.With(slog.String("binary", string(bin)))
	log.InfoContext(ctx, "downloading binary", slog.String("url", url))

	tmp, err := m.download(ctx, url)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	switch {
	case strings.HasSuffix(url, ".tar.xz"):
		err = m.extractTarXZ(tmp, archiveMembers(bin))
	default:
		err = os.Rename(tmp, m.binPath(bin))
	}

	if err != nil {
		return fmt.Errorf("install %s: %w", bin, err)
	}

	if err := os.Chmod(m.binPath(bin), filePermExecutable); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	m.setPath(bin, m.binPath(bin))
	log.InfoContext(ctx, "binary installed", slog.String("path", m.binPath(bin)))

	return nil
}

func archiveMembers(bin Binary) map[string]bool {
	if bin == BinaryFFmpeg {
		return map[string]bool{string(BinaryFFmpeg): true, string(BinaryFFprobe): true}
	}

	return map[string]bool{string(bin): true}
}

func (m *Manager) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(m.cfg.BinsDir, "download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	_, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tmp.Name())

		return "", fmt.Errorf("write download: %w", err)
	}

	return tmp.Name(), nil
}

func (m *Manager) extractTarXZ(archive string, members map[string]bool) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	xzr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("xz reader: %w", err)
	}

	tr := tar.NewReader(xzr)
	extracted := 0

	for extracted < len(members) {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := filepath.Base(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || !members[name] {
			continue
		}

		if err := writeExecutable(filepath.Join(m.cfg.BinsDir, name), tr); err != nil {
			return err
		}

		extracted++
	}

	if extracted == 0 {
		return errors.New("archive contains none of the expected binaries")
	}

	return nil
}

func writeExecutable(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermExecutable)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}

	_, err = io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}

	return nil
}

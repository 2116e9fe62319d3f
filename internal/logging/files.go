package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Crawl-scoped log file names.
const (
	CrawlLog    = "crawl.log"
	AlertsLog   = "alerts.log"
	ProgressLog = "progress-statistics.log"
)

// RollingFile is a zapcore.WriteSyncer whose file can be rotated away
// under a tag while loggers keep writing to it.
type RollingFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openRolling(path string) (*RollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 -- log dir path.
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &RollingFile{path: path, f: f}, nil
}

// Path returns the live file path.
func (r *RollingFile) Path() string { return r.path }

// Write implements io.Writer.
func (r *RollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

// Sync implements zapcore.WriteSyncer.
func (r *RollingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

// roll closes the live file, moves it to <path>.<tag> (compressing it when
// asked) and reopens an empty file at path. It returns the rolled path.
func (r *RollingFile) roll(tag string, compress bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return "", os.ErrClosed
	}
	if err := r.f.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", r.path, err)
	}
	if err := r.f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", r.path, err)
	}
	r.f = nil
	rolled := r.path + "." + tag
	if err := os.Rename(r.path, rolled); err != nil {
		return "", fmt.Errorf("rename %s: %w", r.path, err)
	}
	if compress {
		var err error
		if rolled, err = compressFile(rolled); err != nil {
			return "", err
		}
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 -- log dir path.
	if err != nil {
		return "", fmt.Errorf("reopen %s: %w", r.path, err)
	}
	r.f = f
	return rolled, nil
}

func (r *RollingFile) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func compressFile(path string) (string, error) {
	src, err := os.Open(path) // #nosec G304 -- rolled log path.
	if err != nil {
		return "", fmt.Errorf("open rolled log: %w", err)
	}
	defer src.Close()
	out := path + ".lz4"
	dst, err := os.Create(out) // #nosec G304 -- rolled log path.
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	zw := lz4.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("finish %s: %w", out, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", out, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove %s: %w", path, err)
	}
	return out, nil
}

// Files owns the crawl's log files.
type Files struct {
	dir      string
	compress bool

	mu    sync.Mutex
	order []string
	files map[string]*RollingFile
}

// OpenFiles opens the crawl log, alerts log and progress statistics log
// under dir. When compress is set, rolled files are lz4-compressed.
func OpenFiles(dir string, compress bool) (*Files, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	fs := &Files{dir: dir, compress: compress, files: make(map[string]*RollingFile)}
	for _, name := range []string{CrawlLog, AlertsLog, ProgressLog} {
		rf, err := openRolling(filepath.Join(dir, name))
		if err != nil {
			_ = fs.Close()
			return nil, err
		}
		fs.files[name] = rf
		fs.order = append(fs.order, name)
	}
	return fs, nil
}

// Logger returns a JSON logger writing to the named file.
func (fs *Files) Logger(name string) *zap.Logger {
	fs.mu.Lock()
	rf := fs.files[name]
	fs.mu.Unlock()
	if rf == nil {
		return zap.NewNop()
	}
	return zap.New(zapcore.NewCore(fileEncoder(), rf, zapcore.DebugLevel))
}

// TeeAlerts returns base extended so warnings and errors are also written
// to alerts.log.
func (fs *Files) TeeAlerts(base *zap.Logger) *zap.Logger {
	fs.mu.Lock()
	rf := fs.files[AlertsLog]
	fs.mu.Unlock()
	if base == nil {
		base = zap.NewNop()
	}
	if rf == nil {
		return base
	}
	alerts := zapcore.NewCore(fileEncoder(), rf, zapcore.WarnLevel)
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, alerts)
	}))
}

// Roll rotates every file to <name>.<tag> and returns the rolled paths.
func (fs *Files) Roll(tag string) ([]string, error) {
	if tag == "" {
		return nil, errors.New("roll tag is required")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var rolled []string
	for _, name := range fs.order {
		p, err := fs.files[name].roll(tag, fs.compress)
		if err != nil {
			return rolled, err
		}
		rolled = append(rolled, p)
	}
	return rolled, nil
}

// Paths returns the live file paths.
func (fs *Files) Paths() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.order))
	for _, name := range fs.order {
		out = append(out, fs.files[name].Path())
	}
	return out
}

// Close closes every file.
func (fs *Files) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var errs []error
	for _, name := range fs.order {
		if err := fs.files[name].close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fileEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

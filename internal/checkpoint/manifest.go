package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Files and directories inside a checkpoint directory.
const (
	ManifestFile = "store.manifest"
	StoreDir     = "store"
	SnapshotFile = "controller.json"
	ConfigDir    = "config"
)

// ManifestSegments filters segments down to those a checkpoint covers:
// every name up to and including last, in name order.
func ManifestSegments(segments []string, last string) []string {
	sorted := append([]string(nil), segments...)
	sort.Strings(sorted)
	out := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if name > last {
			break
		}
		out = append(out, name)
	}
	return out
}

// WriteManifest writes one segment name per line.
func WriteManifest(path string, segments []string) error {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write store manifest: %w", err)
	}
	return nil
}

// ReadManifest returns the segment names listed in a manifest.
func ReadManifest(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- checkpoint path.
	if err != nil {
		return nil, fmt.Errorf("open store manifest: %w", err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.ContainsAny(line, `/\`) {
			return nil, fmt.Errorf("invalid segment name %q in manifest", line)
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read store manifest: %w", err)
	}
	return out, nil
}

// linkOrCopy hard links src to dst, copying when linking is not possible.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- segment path.
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) // #nosec G304 -- checkpoint path.
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}

// copyTree copies every regular file under src into dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

// Recover copies the store segments listed in the checkpoint's manifest
// into stateDir, skipping files that already exist there. It must run
// before the store is opened. It returns the names it copied.
func Recover(cpDir, stateDir string) ([]string, error) {
	names, err := ReadManifest(filepath.Join(cpDir, ManifestFile))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	var copied []string
	for _, name := range names {
		dst := filepath.Join(stateDir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return copied, fmt.Errorf("stat %s: %w", dst, err)
		}
		if err := copyFile(filepath.Join(cpDir, StoreDir, name), dst); err != nil {
			return copied, err
		}
		copied = append(copied, name)
	}
	return copied, nil
}

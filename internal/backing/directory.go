package backing

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DirectoryBacking stores each key as a file under a root directory,
// mirroring infinite_queue/utils.py's DirectoryBacking 1:1: write_lines
// joins lines with newlines, url returns a file:// URL of the absolute
// path, read_lines splits on newline.
type DirectoryBacking struct {
	root string
}

func NewDirectoryBacking(root string) *DirectoryBacking {
	return &DirectoryBacking{root: root}
}

func (d *DirectoryBacking) path(key string) string {
	return filepath.Join(d.root, withExtension(key))
}

func (d *DirectoryBacking) WriteLines(ctx context.Context, key string, lines []string) error {
	p := d.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", key)
	}

	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create block file for %s", key)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			f.Close()
			os.Remove(tmp)
			return errors.Wrapf(err, "write line for %s", key)
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			os.Remove(tmp)
			return errors.Wrapf(err, "write newline for %s", key)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "flush block file for %s", key)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close block file for %s", key)
	}
	// Atomic materialisation: rename in place once fully written (§4.1
	// "atomically materialise a cold block").
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "finalize block file for %s", key)
	}
	return nil
}

func (d *DirectoryBacking) ReadLines(ctx context.Context, key string) ([]string, error) {
	p := d.path(key)
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "open block file for %s", key)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan block file for %s", key)
	}
	return lines, nil
}

func (d *DirectoryBacking) URL(key string) string {
	abs, err := filepath.Abs(d.path(key))
	if err != nil {
		abs = d.path(key)
	}
	return "file://" + abs
}

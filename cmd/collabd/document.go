package main

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// fileDocument is a text file standing in for an editor buffer. A file
// without write permission is treated as read-only.
type fileDocument struct {
	mu   sync.Mutex
	path string
	err  error
}

func newFileDocument(path string) *fileDocument {
	return &fileDocument{path: path}
}

func (d *fileDocument) Text() string {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (d *fileDocument) ReadOnly() bool {
	info, err := os.Stat(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		return true
	}
	return info.Mode().Perm()&0o200 == 0
}

func (d *fileDocument) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.WriteFile(d.path, []byte(text), 0o644); err != nil {
		d.err = fmt.Errorf("write %s: %w", d.path, err)
	}
}

// Err returns and clears the last write failure.
func (d *fileDocument) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.err
	d.err = nil
	return err
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/session"
)

// FileSink writes each result as an indented JSON document.
type FileSink struct {
	// Dir holds generated file names. Empty means the working directory.
	Dir string

	// Path overrides the generated file name.
	Path string

	// Kind is the instrument kind used in generated names.
	Kind instrument.Kind

	// Clock dates generated names. Defaults to time.Now.
	Clock func() time.Time

	mu   sync.Mutex
	last string
}

// FileName returns <barcode>_<yyyyMMdd>_<kind>_test.json.
func FileName(barcode string, kind instrument.Kind, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_test.json", barcode, at.Format("20060102"), kind)
}

// WriteResult implements session.ResultSink.
func (s *FileSink) WriteResult(ctx context.Context, r session.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.Path
	if path == "" {
		barcode, _ := r[session.ResultBarcode].(string)
		path = filepath.Join(s.Dir, FileName(barcode, s.Kind, s.now()))
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	s.mu.Lock()
	s.last = path
	s.mu.Unlock()
	return nil
}

// LastPath returns the file written last.
func (s *FileSink) LastPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *FileSink) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Package report writes a YAML summary of a finished capture.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/samplegrab/internal/capture"
	"github.com/zsiec/samplegrab/internal/pipe"
	"github.com/zsiec/samplegrab/internal/session"
)

// Meta describes the run a Report belongs to.
type Meta struct {
	Version       string
	Device        string
	TargetSamples int64
	Err           error
}

// Report is the on-disk capture summary.
type Report struct {
	Version       string        `yaml:"version"`
	Device        string        `yaml:"device"`
	Output        string        `yaml:"output,omitempty"`
	TargetSamples int64         `yaml:"target_samples,omitempty"`
	StartedAt     time.Time     `yaml:"started_at"`
	EndedAt       time.Time     `yaml:"ended_at"`
	Duration      string        `yaml:"duration"`
	Capture       capture.Stats `yaml:"capture"`
	BytesWritten  int64         `yaml:"bytes_written"`
	Pipe          *pipe.Stats   `yaml:"pipe,omitempty"`
	Error         string        `yaml:"error,omitempty"`
}

// New builds a Report from a controller result.
func New(res session.Result, meta Meta) Report {
	r := Report{
		Version:       meta.Version,
		Device:        meta.Device,
		Output:        res.Output,
		TargetSamples: meta.TargetSamples,
		StartedAt:     res.StartedAt.UTC(),
		EndedAt:       res.EndedAt.UTC(),
		Duration:      res.EndedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
		Capture:       res.Stats,
		BytesWritten:  res.BytesWritten,
		Pipe:          res.Pipe,
	}
	if meta.Err != nil {
		r.Error = meta.Err.Error()
	}
	return r
}

// Marshal encodes r as YAML with two-space indentation.
func Marshal(r Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("report: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("report: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Write encodes r to path. The file is written next to its final location
// and renamed into place so a reader never sees a partial report.
func Write(path string, r Report) error {
	data, err := Marshal(r)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("report: write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: write %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// Read decodes a report previously written by Write.
func Read(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("report: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("report: decode %q: %w", path, err)
	}
	return r, nil
}

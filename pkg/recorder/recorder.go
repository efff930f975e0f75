// Package recorder writes one line per simulation step to a CSV or
// JSON-lines file.
//
// Columns must be enabled before values are added:
//
//	r, _ := recorder.New("episodes.csv")
//	r.EnableKeys([]string{"x", "y"}, "state")
//	r.Add(map[string]any{"x": 1.0, "y": 2.0}, "state")
//	r.Write()
//
// A CSV header is written only when the file does not exist yet, so
// appending to an existing recording keeps a single header.
package recorder

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Format is the on-disk record format.
type Format int

const (
	FormatCSV Format = iota
	FormatJSON
)

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ErrUnsupportedFormat is returned for file names without a .csv, .json or
// .jsonl extension.
var ErrUnsupportedFormat = errors.New("recorder: unsupported file extension")

// ErrClosed is returned when writing after Close.
var ErrClosed = errors.New("recorder: closed")

// FormatFor selects the format from the file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json", ".jsonl":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
}

// UnknownKeyError is returned by Add for a key that was never enabled.
type UnknownKeyError struct {
	Key     string
	Enabled []string
}

// Error returns the key and the enabled columns.
func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("recorder: key %q is not enabled (enabled: %s)", e.Key, strings.Join(e.Enabled, ", "))
}

// Uploader ships a finished record file somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithUploader uploads the record file on Close.
func WithUploader(u Uploader) Option {
	return func(r *Recorder) {
		r.uploader = u
	}
}

// WithUploadTimeout bounds the upload performed by Close.
func WithUploadTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		r.uploadTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// Recorder buffers one record at a time and appends it to the file on
// Write. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	path    string
	format  Format
	keys    []string
	enabled map[string]struct{}
	current map[string]any

	file   *os.File
	csv    *csv.Writer
	closed bool

	// written holds every file that received at least one record.
	written []string

	uploader      Uploader
	uploadTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Recorder for path. The file is opened lazily on the first
// Write.
func New(path string, opts ...Option) (*Recorder, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		path:          path,
		format:        format,
		enabled:       make(map[string]struct{}),
		current:       make(map[string]any),
		uploadTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "recorder")
	return r, nil
}

// Path returns the current record file.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Format returns the format of the current record file.
func (r *Recorder) Format() Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

// Keys returns the enabled columns in the order they were enabled.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// EnableKeys adds columns, each named prefix.key when prefix is non-empty.
// Keys that are already enabled are ignored.
func (r *Recorder) EnableKeys(keys []string, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		k = withPrefix(k, prefix)
		if _, ok := r.enabled[k]; ok {
			continue
		}
		r.enabled[k] = struct{}{}
		r.keys = append(r.keys, k)
	}
}

// Add sets values in the current record. Every key, after prefixing, must
// be enabled; on an unknown key nothing is added.
func (r *Recorder) Add(values map[string]any, prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range values {
		if _, ok := r.enabled[withPrefix(k, prefix)]; !ok {
			enabled := make([]string, len(r.keys))
			copy(enabled, r.keys)
			return &UnknownKeyError{Key: withPrefix(k, prefix), Enabled: enabled}
		}
	}
	for k, v := range values {
		r.current[withPrefix(k, prefix)] = v
	}
	return nil
}

// Write appends the current record to the file and clears it.
func (r *Recorder) Write() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.file == nil {
		if err := r.openLocked(); err != nil {
			return err
		}
	}

	var err error
	switch r.format {
	case FormatCSV:
		err = r.writeCSVLocked()
	case FormatJSON:
		err = r.writeJSONLocked()
	}
	clear(r.current)
	if err != nil {
		return fmt.Errorf("recorder: write %s: %w", r.path, err)
	}
	return nil
}

func (r *Recorder) openLocked() error {
	_, statErr := os.Stat(r.path)
	needsHeader := errors.Is(statErr, os.ErrNotExist)

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("recorder: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", r.path, err)
	}
	r.file = f
	r.written = appendUnique(r.written, r.path)
	r.logger.Info("recording", "file", r.path, "format", r.format.String())

	if r.format == FormatCSV {
		r.csv = csv.NewWriter(f)
		if needsHeader {
			if err := r.csv.Write(r.keys); err != nil {
				return fmt.Errorf("recorder: write header: %w", err)
			}
		}
	}
	return nil
}

func (r *Recorder) writeCSVLocked() error {
	row := make([]string, len(r.keys))
	for i, k := range r.keys {
		row[i] = formatValue(r.current[k])
	}
	if err := r.csv.Write(row); err != nil {
		return err
	}
	r.csv.Flush()
	return r.csv.Error()
}

func (r *Recorder) writeJSONLocked() error {
	record := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		record[k] = r.current[k]
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = r.file.Write(data)
	return err
}

// SetFile closes the current file; subsequent records go to path.
func (r *Recorder) SetFile(path string) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.closeFileLocked(); err != nil {
		return err
	}
	r.path = path
	r.format = format
	return nil
}

// Close closes the file and, when an uploader is configured, uploads every
// file that received records. Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.closeFileLocked()
	files := append([]string(nil), r.written...)
	r.mu.Unlock()

	if err != nil || r.uploader == nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.uploadTimeout)
	defer cancel()
	var errs []error
	for _, path := range files {
		location, err := r.uploader.Upload(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("record uploaded", "file", path, "location", location)
	}
	return errors.Join(errs...)
}

func (r *Recorder) closeFileLocked() error {
	if r.file == nil {
		return nil
	}
	if r.csv != nil {
		r.csv.Flush()
		r.csv = nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return fmt.Errorf("recorder: close %s: %w", r.path, err)
	}
	return nil
}

func withPrefix(key, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.DateTime)
	case []any, map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}

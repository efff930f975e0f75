package recorder

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"out.csv", FormatCSV, false},
		{"OUT.CSV", FormatCSV, false},
		{"dir/out.json", FormatJSON, false},
		{"out.jsonl", FormatJSON, false},
		{"out.txt", 0, true},
		{"out", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFor(tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("FormatFor() error = %v, want ErrUnsupportedFormat", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("FormatFor() = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestEnableKeys(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "r.csv"))
	if err != nil {
		t.Fatal(err)
	}
	r.EnableKeys([]string{"x", "y"}, "state")
	r.EnableKeys([]string{"reward"}, "")
	r.EnableKeys([]string{"x"}, "state")

	want := []string{"state.x", "state.y", "reward"}
	got := r.Keys()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestAddUnknownKey(t *testing.T) {
	r, _ := New(filepath.Join(t.TempDir(), "r.csv"))
	r.EnableKeys([]string{"x"}, "state")

	err := r.Add(map[string]any{"x": 1.0, "z": 2.0}, "state")
	var uk *UnknownKeyError
	if !errors.As(err, &uk) {
		t.Fatalf("Add() error = %v, want *UnknownKeyError", err)
	}
	if uk.Key != "state.z" {
		t.Errorf("Key = %q, want state.z", uk.Key)
	}
	if r.current["state.x"] != nil {
		t.Error("Add() should not apply any value when a key is unknown")
	}
}

func TestCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	r, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	r.EnableKeys([]string{"x"}, "state")
	r.EnableKeys([]string{"reward", "terminal", "sim_id"}, "")

	r.Add(map[string]any{"x": 0.5}, "state")
	r.Add(map[string]any{"reward": 1.25, "terminal": false, "sim_id": int64(270022238)}, "")
	if err := r.Write(); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	r.Add(map[string]any{"terminal": true}, "")
	if err := r.Write(); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := readCSV(t, path)
	want := [][]string{
		{"state.x", "reward", "terminal", "sim_id"},
		{"0.5", "1.25", "false", "270022238"},
		{"", "", "true", ""},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if strings.Join(rows[i], "|") != strings.Join(want[i], "|") {
			t.Errorf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}
}

func TestCSVHeaderOnlyForNewFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	for i := 0; i < 2; i++ {
		r, _ := New(path)
		r.EnableKeys([]string{"a"}, "")
		r.Add(map[string]any{"a": i}, "")
		if err := r.Write(); err != nil {
			t.Fatal(err)
		}
		r.Close()
	}

	rows := readCSV(t, path)
	if len(rows) != 3 || rows[0][0] != "a" || rows[1][0] != "0" || rows[2][0] != "1" {
		t.Errorf("rows = %v", rows)
	}
}

func TestJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	r, _ := New(path)
	r.EnableKeys([]string{"foo"}, "bar")
	r.EnableKeys([]string{"sim_id"}, "")

	for i := 0; i < 3; i++ {
		r.Add(map[string]any{"foo": 23}, "bar")
		r.Add(map[string]any{"sim_id": 270022238}, "")
		if err := r.Write(); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if rec["bar.foo"] != float64(23) || rec["sim_id"] != float64(270022238) {
			t.Errorf("line %d = %v", lines, rec)
		}
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestSetFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.csv")
	second := filepath.Join(dir, "sub", "b.json")

	r, _ := New(first)
	r.EnableKeys([]string{"n"}, "")
	r.Add(map[string]any{"n": 1}, "")
	r.Write()

	if err := r.SetFile("bad.txt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("SetFile(bad) error = %v", err)
	}
	if err := r.SetFile(second); err != nil {
		t.Fatalf("SetFile() error = %v", err)
	}
	if r.Path() != second || r.Format() != FormatJSON {
		t.Errorf("Path() = %q, Format() = %v", r.Path(), r.Format())
	}
	r.Add(map[string]any{"n": 2}, "")
	if err := r.Write(); err != nil {
		t.Fatal(err)
	}
	r.Close()

	if rows := readCSV(t, first); len(rows) != 2 {
		t.Errorf("first file rows = %v", rows)
	}
	data, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != `{"n":2}` {
		t.Errorf("second file = %q", data)
	}
}

func TestWriteAfterClose(t *testing.T) {
	r, _ := New(filepath.Join(t.TempDir(), "r.csv"))
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := r.Write(); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close = %v, want ErrClosed", err)
	}
}

type fakeS3 struct {
	mu     sync.Mutex
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploadOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	client := &fakeS3{}
	up := NewS3Uploader(client, "records", "sims/cartpole")
	up.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	r, _ := New(path, WithUploader(up))
	r.EnableKeys([]string{"reward"}, "")
	r.Add(map[string]any{"reward": 1.0}, "")
	r.Write()
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("uploads = %d, want 1", len(client.inputs))
	}
	in := client.inputs[0]
	if aws.ToString(in.Bucket) != "records" {
		t.Errorf("Bucket = %q", aws.ToString(in.Bucket))
	}
	if got := aws.ToString(in.Key); got != "sims/cartpole/20240301T120000Z-run.csv" {
		t.Errorf("Key = %q", got)
	}
	if aws.ToString(in.ContentType) != "text/csv" {
		t.Errorf("ContentType = %q", aws.ToString(in.ContentType))
	}
	if client.bodies[0] != "reward\n1\n" {
		t.Errorf("body = %q", client.bodies[0])
	}
}

func TestS3UploadSkipsEmptyRecorder(t *testing.T) {
	client := &fakeS3{}
	r, _ := New(filepath.Join(t.TempDir(), "run.csv"), WithUploader(NewS3Uploader(client, "b", "")))
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if len(client.inputs) != 0 {
		t.Errorf("uploads = %d, want 0", len(client.inputs))
	}
}

func TestS3UploadError(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	r, _ := New(filepath.Join(t.TempDir(), "run.json"), WithUploader(NewS3Uploader(client, "b", "")))
	r.EnableKeys([]string{"a"}, "")
	r.Write()
	err := r.Close()
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("Close() error = %v, want upload failure", err)
	}
}

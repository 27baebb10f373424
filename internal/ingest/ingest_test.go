package ingest

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"memtriage/internal/fault"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// imageBytes builds a fake capture with the given leading signature padded
// to a plausible size.
func imageBytes(magic []byte) []byte {
	data := make([]byte, 4096)
	copy(data, magic)
	for i := len(magic); i < len(data); i++ {
		data[i] = byte(i)
	}
	return data
}

func TestSniffFormat(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want Format
	}{
		{"dump.raw", imageBytes(nil), FormatRaw},
		{"memory.bin", imageBytes(nil), FormatRaw},
		{"hiber.sys", imageBytes([]byte("HIBR")), FormatHiberfil},
		{"hiber2.sys", imageBytes([]byte("wake")), FormatHiberfil},
		{"cap.lime", imageBytes(nil), FormatLiME},
		{"cap.bin", imageBytes(magicLiME), FormatLiME},
		{"disk.e01", imageBytes(magicEWF), FormatEWF},
		{"vm.vmem", imageBytes(nil), FormatVMEM},
		{"vm.vmss", imageBytes(magicVMSS), FormatVMSS},
	}
	for _, tt := range tests {
		if got := sniffFormat(tt.name, tt.head); got != tt.want {
			t.Errorf("sniffFormat(%s) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestPrepareLocalRaw(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "dump.raw", imageBytes(nil))

	ing := &Ingestor{WorkDir: dir}
	src, err := ing.Prepare(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if src.Path != path || src.Format != FormatRaw || src.Unpacked {
		t.Fatalf("source = %+v", src)
	}
	if src.Size != 4096 {
		t.Fatalf("size = %d", src.Size)
	}
}

func TestPrepareRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	ing := &Ingestor{WorkDir: dir}
	ctx := context.Background()

	if _, err := ing.Prepare(ctx, filepath.Join(dir, "missing.raw")); fault.KindOf(err) != fault.KindInput {
		t.Fatalf("missing file: kind = %q", fault.KindOf(err))
	}

	empty := writeFile(t, dir, "empty.raw", nil)
	if _, err := ing.Prepare(ctx, empty); fault.KindOf(err) != fault.KindInput {
		t.Fatalf("empty file: kind = %q", fault.KindOf(err))
	}

	if _, err := ing.Prepare(ctx, dir); fault.KindOf(err) != fault.KindInput {
		t.Fatalf("directory: kind = %q", fault.KindOf(err))
	}

	if _, err := ing.Prepare(ctx, "s3://bucket/dump.raw"); fault.KindOf(err) != fault.KindInput {
		t.Fatal("s3 ref without a fetcher must be an input fault")
	}
}

func TestPrepareUnpacksGzip(t *testing.T) {
	dir := t.TempDir()
	image := imageBytes([]byte("HIBR"))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(image); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, dir, "hiber.sys.gz", buf.Bytes())

	work := t.TempDir()
	ing := &Ingestor{WorkDir: work}
	src, err := ing.Prepare(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !src.Unpacked || src.Format != FormatHiberfil {
		t.Fatalf("source = %+v", src)
	}
	got, err := os.ReadFile(src.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, image) {
		t.Fatal("unpacked image differs from original")
	}
}

func TestPrepareUnpacksZstdTar(t *testing.T) {
	dir := t.TempDir()
	image := imageBytes(nil)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	files := map[string][]byte{
		"notes.txt":   []byte("acquisition notes"),
		"capture.raw": image,
	}
	for _, name := range []string{"notes.txt", "capture.raw"} {
		body := files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, dir, "capture.tar.zst", buf.Bytes())

	work := t.TempDir()
	ing := &Ingestor{WorkDir: work}
	src, err := ing.Prepare(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !src.Unpacked || src.Format != FormatRaw {
		t.Fatalf("source = %+v", src)
	}
	if filepath.Base(src.Path) != "capture.raw" {
		t.Fatalf("picked %s, want the largest entry capture.raw", src.Path)
	}
	got, err := os.ReadFile(src.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, image) {
		t.Fatal("unpacked image differs from original")
	}
}

func TestPrepareUnpacksZip(t *testing.T) {
	dir := t.TempDir()
	image := imageBytes(nil)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("vm.vmem")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(image); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, dir, "vm.zip", buf.Bytes())

	work := t.TempDir()
	ing := &Ingestor{WorkDir: work}
	src, err := ing.Prepare(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !src.Unpacked || src.Format != FormatVMEM {
		t.Fatalf("source = %+v", src)
	}
}

type fakeFetcher struct {
	bucket, key string
	body        []byte
	err         error
}

func (f *fakeFetcher) Fetch(ctx context.Context, bucket, key string, dst io.Writer) (int64, error) {
	f.bucket, f.key = bucket, key
	if f.err != nil {
		return 0, f.err
	}
	n, err := dst.Write(f.body)
	return int64(n), err
}

func TestPrepareFetchesRemote(t *testing.T) {
	work := t.TempDir()
	fetcher := &fakeFetcher{body: imageBytes(nil)}
	ing := &Ingestor{WorkDir: work, Fetcher: fetcher}

	src, err := ing.Prepare(context.Background(), "s3://captures/case-7/dump.raw")
	if err != nil {
		t.Fatal(err)
	}
	if fetcher.bucket != "captures" || fetcher.key != "case-7/dump.raw" {
		t.Fatalf("fetched %s/%s", fetcher.bucket, fetcher.key)
	}
	if src.Format != FormatRaw || filepath.Base(src.Path) != "dump.raw" {
		t.Fatalf("source = %+v", src)
	}

	fetcher.err = errors.New("no such key")
	if _, err := ing.Prepare(context.Background(), "s3://captures/missing.raw"); fault.KindOf(err) != fault.KindInput {
		t.Fatalf("fetch failure kind = %q", fault.KindOf(err))
	}
}

func TestSplitS3(t *testing.T) {
	tests := []struct {
		ref, bucket, key string
		ok               bool
	}{
		{"s3://b/k", "b", "k", true},
		{"s3://b/deep/k.raw", "b", "deep/k.raw", true},
		{"s3://b", "", "", false},
		{"s3:///k", "", "", false},
		{"/local/path.raw", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := splitS3(tt.ref)
		if bucket != tt.bucket || key != tt.key || ok != tt.ok {
			t.Errorf("splitS3(%q) = %q, %q, %v", tt.ref, bucket, key, ok)
		}
	}
}

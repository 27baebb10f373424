// Package ingest turns a caller-supplied dump reference into a local,
// analyzable memory image: remote objects are fetched, archives unpacked,
// and the capture format identified before fingerprinting.
package ingest

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"memtriage/internal/fault"
)

const headLen = 512

// Fetcher downloads a remote object into dst. pkg/s3 provides the
// production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string, dst io.Writer) (int64, error)
}

// Source is a ready-to-analyze local image.
type Source struct {
	// Path is the local file the engine reads. For archives this is the
	// unpacked image in the work directory, not the original input.
	Path     string
	Format   Format
	Size     int64
	Unpacked bool
}

// Ingestor prepares dump inputs. WorkDir receives fetched and unpacked
// files; Fetcher may be nil when remote sources are not configured.
type Ingestor struct {
	WorkDir string
	Fetcher Fetcher
	Logger  *log.Logger
}

// Prepare resolves a dump reference (local path or s3://bucket/key) into a
// local image, unpacking at most one level of archive.
func (ing *Ingestor) Prepare(ctx context.Context, ref string) (*Source, error) {
	path := ref
	if bucket, key, ok := splitS3(ref); ok {
		local, err := ing.fetch(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		path = local
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindInput, "ingest.prepare", err)
	}
	if info.IsDir() {
		return nil, fault.Newf(fault.KindInput, "ingest.prepare", "%s is a directory", path)
	}
	if info.Size() == 0 {
		return nil, fault.Newf(fault.KindInput, "ingest.prepare", "%s is empty", path)
	}

	head, err := readHead(path)
	if err != nil {
		return nil, err
	}

	if kind := sniffArchive(head); kind != archiveNone {
		inner, err := ing.unpack(ctx, path, kind)
		if err != nil {
			return nil, err
		}
		innerInfo, err := os.Stat(inner)
		if err != nil {
			return nil, fault.Wrap(fault.KindInput, "ingest.prepare", err)
		}
		innerHead, err := readHead(inner)
		if err != nil {
			return nil, err
		}
		if sniffArchive(innerHead) != archiveNone {
			return nil, fault.Newf(fault.KindInput, "ingest.prepare", "nested archive in %s is not supported", ref)
		}
		return &Source{
			Path:     inner,
			Format:   sniffFormat(inner, innerHead),
			Size:     innerInfo.Size(),
			Unpacked: true,
		}, nil
	}

	return &Source{
		Path:   path,
		Format: sniffFormat(path, head),
		Size:   info.Size(),
	}, nil
}

func (ing *Ingestor) fetch(ctx context.Context, bucket, key string) (string, error) {
	if ing.Fetcher == nil {
		return "", fault.New(fault.KindInput, "ingest.fetch", "remote dump sources are not configured")
	}
	local := filepath.Join(ing.WorkDir, filepath.Base(key))
	f, err := os.Create(local)
	if err != nil {
		return "", fault.Wrap(fault.KindStore, "ingest.fetch", err)
	}
	defer f.Close()

	n, err := ing.Fetcher.Fetch(ctx, bucket, key, f)
	if err != nil {
		os.Remove(local)
		return "", fault.Wrap(fault.KindInput, "ingest.fetch", err)
	}
	ing.logf("INFO fetched s3://%s/%s (%d bytes)", bucket, key, n)
	return local, nil
}

// unpack extracts the memory image from an archive. Multi-entry archives
// contribute their largest regular file; capture tooling commonly bundles
// a report or log next to the image.
func (ing *Ingestor) unpack(ctx context.Context, path string, kind archiveKind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
	}

	switch kind {
	case archiveZip:
		return ing.unpackZip(path)
	case archiveGzip, archiveZstd:
		return ing.unpackCompressed(path, kind)
	case archiveTar:
		f, err := os.Open(path)
		if err != nil {
			return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
		}
		defer f.Close()
		return ing.extractTar(f, trimArchiveExt(path))
	}
	return "", fault.Newf(fault.KindInput, "ingest.unpack", "unsupported archive in %s", path)
}

func (ing *Ingestor) unpackZip(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
	}
	defer r.Close()

	var pick *zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if pick == nil || f.FileInfo().Size() > pick.FileInfo().Size() {
			pick = f
		}
	}
	if pick == nil {
		return "", fault.Newf(fault.KindInput, "ingest.unpack", "archive %s holds no files", path)
	}

	src, err := pick.Open()
	if err != nil {
		return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
	}
	defer src.Close()
	return ing.writeWorkFile(filepath.Base(pick.Name), src)
}

// unpackCompressed handles gzip and zstd streams, which may wrap either a
// bare image or a tar archive.
func (ing *Ingestor) unpackCompressed(path string, kind archiveKind) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
	}
	defer f.Close()

	var decoded io.Reader
	switch kind {
	case archiveGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
		}
		defer gz.Close()
		decoded = gz
	case archiveZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
		}
		defer zr.Close()
		decoded = zr.IOReadCloser()
	}

	buffered, head, err := peek(decoded)
	if err != nil {
		return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
	}
	inner := trimArchiveExt(path)
	if sniffArchive(head) == archiveTar {
		return ing.extractTar(buffered, trimArchiveExt(inner))
	}
	return ing.writeWorkFile(filepath.Base(inner), buffered)
}

func (ing *Ingestor) extractTar(r io.Reader, fallbackName string) (string, error) {
	tr := tar.NewReader(r)

	// Single pass: stream every regular file to the work directory and
	// keep the largest.
	var bestPath string
	var bestSize int64 = -1
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		if name == "" || name == "." {
			name = filepath.Base(fallbackName)
		}
		out, err := ing.writeWorkFile(name, tr)
		if err != nil {
			return "", err
		}
		if hdr.Size > bestSize {
			bestPath, bestSize = out, hdr.Size
		}
	}
	if bestPath == "" {
		return "", fault.New(fault.KindInput, "ingest.unpack", "tar archive holds no regular files")
	}
	return bestPath, nil
}

func (ing *Ingestor) writeWorkFile(name string, src io.Reader) (string, error) {
	out := filepath.Join(ing.WorkDir, filepath.Base(name))
	f, err := os.Create(out)
	if err != nil {
		return "", fault.Wrap(fault.KindStore, "ingest.unpack", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		os.Remove(out)
		return "", fault.Wrap(fault.KindInput, "ingest.unpack", err)
	}
	return out, nil
}

func (ing *Ingestor) logf(format string, args ...any) {
	if ing.Logger != nil {
		ing.Logger.Printf(format, args...)
	}
}

// splitS3 parses s3://bucket/key references.
func splitS3(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindInput, "ingest.sniff", err)
	}
	defer f.Close()

	head := make([]byte, headLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fault.Wrap(fault.KindInput, "ingest.sniff", err)
	}
	return head[:n], nil
}

// peek returns a reader replaying the stream plus its first bytes.
func peek(r io.Reader) (io.Reader, []byte, error) {
	head := make([]byte, headLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, nil, err
	}
	head = head[:n]
	return io.MultiReader(bytes.NewReader(head), r), head, nil
}

// trimArchiveExt strips one archive extension so unpacked files keep a
// meaningful name (dump.raw.gz -> dump.raw).
func trimArchiveExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".zst", ".zip", ".tar", ".tgz":
		return strings.TrimSuffix(path, filepath.Ext(path))
	}
	return path
}

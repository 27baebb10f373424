// Package fingerprint derives the cache key that decides whether a dump
// needs a fresh engine run or can be served from stored artifacts.
package fingerprint

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"slices"
	"strings"

	"memtriage/internal/fault"
)

// chunkSize bounds memory use while hashing multi-gigabyte dumps.
const chunkSize = 8 * 1024 * 1024

// Fingerprint is the opaque cache key for one (dump content, plugin set,
// engine version) combination.
type Fingerprint string

// Resolution is the full result of resolving a dump: the key plus the
// digests recorded on the dump row.
type Resolution struct {
	Fingerprint   Fingerprint
	SHA256        string
	SHA1          string
	MD5           string
	Size          int64
	Plugins       []string
	EngineVersion string
}

// Resolve hashes the dump content in fixed-size chunks and combines the
// digest with the sorted plugin set and engine version. Identical inputs
// always produce an identical fingerprint; any change to the plugin
// selection or engine version produces a different one.
func Resolve(ctx context.Context, dumpPath string, plugins []string, engineVersion string) (Resolution, error) {
	f, err := os.Open(dumpPath)
	if err != nil {
		return Resolution{}, fault.Wrap(fault.KindInput, "fingerprint.resolve", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Resolution{}, fault.Wrap(fault.KindInput, "fingerprint.resolve", err)
	}

	h256 := sha256.New()
	h1 := sha1.New()
	hmd5 := md5.New()

	size, err := digest(ctx, f, h256, h1, hmd5)
	if err != nil {
		return Resolution{}, err
	}
	// A short read means the file changed or the media is failing; hashing
	// a partial prefix would silently poison the cache.
	if size != info.Size() {
		return Resolution{}, fault.Newf(fault.KindInput, "fingerprint.resolve",
			"read %d of %d bytes from %s", size, info.Size(), dumpPath)
	}

	res := Resolution{
		SHA256:        hex.EncodeToString(h256.Sum(nil)),
		SHA1:          hex.EncodeToString(h1.Sum(nil)),
		MD5:           hex.EncodeToString(hmd5.Sum(nil)),
		Size:          size,
		Plugins:       NormalizePlugins(plugins),
		EngineVersion: engineVersion,
	}
	res.Fingerprint = Derive(res.SHA256, res.Plugins, engineVersion)
	return res, nil
}

// Derive builds the opaque key from an already-known content digest. The
// plugin set is normalized before keying so that ordering and duplicates
// never split the cache.
func Derive(contentSHA256 string, plugins []string, engineVersion string) Fingerprint {
	normalized := NormalizePlugins(plugins)
	material := fmt.Sprintf("%s\x00%s\x00%s", contentSHA256, strings.Join(normalized, ","), engineVersion)
	sum := sha256.Sum256([]byte(material))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// NormalizePlugins returns the sorted, deduplicated, lowercased plugin set.
func NormalizePlugins(plugins []string) []string {
	out := make([]string, 0, len(plugins))
	for _, p := range plugins {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func digest(ctx context.Context, r io.Reader, hashers ...hash.Hash) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, fault.Wrap(fault.KindInput, "fingerprint.digest", err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			for _, h := range hashers {
				h.Write(buf[:n])
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fault.Wrap(fault.KindInput, "fingerprint.digest", err)
		}
	}
}

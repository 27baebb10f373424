package ingest

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format is the detected on-disk layout of a memory capture.
type Format string

const (
	FormatRaw      Format = "raw"
	FormatVMEM     Format = "vmem"
	FormatVMSS     Format = "vmss"
	FormatHiberfil Format = "hiberfil"
	FormatLiME     Format = "lime"
	FormatEWF      Format = "ewf"
)

// Archive kinds handled before format detection.
type archiveKind int

const (
	archiveNone archiveKind = iota
	archiveZip
	archiveGzip
	archiveZstd
	archiveTar
)

var (
	magicZip      = []byte{0x50, 0x4b, 0x03, 0x04}
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicEWF      = []byte{0x45, 0x56, 0x46, 0x09, 0x0d, 0x0a, 0xff, 0x00}
	magicLiME     = []byte{0x45, 0x4d, 0x69, 0x4c} // 0x4c694d45 little-endian
	magicVMSS     = []byte{0xd2, 0xbe, 0xd2, 0xbe}
	magicHibrLow  = []byte("hibr")
	magicHibrUp   = []byte("HIBR")
	magicWakeLow  = []byte("wake")
	magicWakeUp   = []byte("WAKE")
	magicTarUstar = []byte("ustar")
)

const tarMagicOffset = 257

// sniffArchive inspects the leading bytes for a container the ingestor
// must unpack before format detection.
func sniffArchive(head []byte) archiveKind {
	switch {
	case bytes.HasPrefix(head, magicZip):
		return archiveZip
	case bytes.HasPrefix(head, magicGzip):
		return archiveGzip
	case bytes.HasPrefix(head, magicZstd):
		return archiveZstd
	case len(head) > tarMagicOffset+len(magicTarUstar) &&
		bytes.Equal(head[tarMagicOffset:tarMagicOffset+len(magicTarUstar)], magicTarUstar):
		return archiveTar
	}
	return archiveNone
}

// sniffFormat identifies the capture format from leading bytes, falling
// back to the file extension. Raw images have no signature, so anything
// unrecognized with content is treated as raw.
func sniffFormat(path string, head []byte) Format {
	switch {
	case bytes.HasPrefix(head, magicEWF):
		return FormatEWF
	case bytes.HasPrefix(head, magicLiME):
		return FormatLiME
	case bytes.HasPrefix(head, magicVMSS):
		return FormatVMSS
	case bytes.HasPrefix(head, magicHibrLow), bytes.HasPrefix(head, magicHibrUp),
		bytes.HasPrefix(head, magicWakeLow), bytes.HasPrefix(head, magicWakeUp):
		return FormatHiberfil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".vmem":
		return FormatVMEM
	case ".vmss", ".vmsn":
		return FormatVMSS
	case ".lime":
		return FormatLiME
	case ".e01", ".ewf":
		return FormatEWF
	}
	return FormatRaw
}

// Package validation recognises audio and video containers by their leading
// bytes so a truncated or foreign cache file is not sent to a provider.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

var ErrNotMedia = errors.New("content is not audio or video")

var allowedMIMETypes = map[string]bool{
	"video/mp4":       true,
	"video/webm":      true,
	"video/quicktime": true,
	"audio/mp4":       true,
	"audio/mpeg":      true,
	"audio/ogg":       true,
	"application/ogg": true,
	"audio/wav":       true,
	"audio/wave":      true,
	"audio/x-wav":     true,
	"audio/flac":      true,
	"audio/x-flac":    true,
	"audio/aac":       true,
}

const magicBytesBufferSize = 512

// ValidateMagicBytes detects the MIME type from the first bytes of reader and
// rewinds it. allowed reports whether the type is audio or video we accept.
func ValidateMagicBytes(reader io.ReadSeeker) (mime string, allowed bool, err error) {
	buf := make([]byte, magicBytesBufferSize)
	n, err := io.ReadFull(reader, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", false, err
	}
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return "", false, err
	}
	if n == 0 {
		return "application/octet-stream", false, nil
	}
	buf = buf[:n]

	mime = detectMediaMagic(buf)
	if mime == "" {
		mime = http.DetectContentType(buf)
	}
	return mime, allowedMIMETypes[mime], nil
}

// SniffFile opens path and returns its MIME type, or ErrNotMedia when the
// content is not an accepted audio or video container.
func SniffFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	mime, allowed, err := ValidateMagicBytes(f)
	if err != nil {
		return "", fmt.Errorf("sniff %s: %w", path, err)
	}
	if !allowed {
		return mime, fmt.Errorf("%w: %s", ErrNotMedia, mime)
	}
	return mime, nil
}

var ftyp = []byte("ftyp")

func detectMediaMagic(buf []byte) string {
	if len(buf) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(buf, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "video/webm"
	case bytes.HasPrefix(buf, []byte("fLaC")):
		return "audio/flac"
	case bytes.HasPrefix(buf, []byte("ID3")):
		return "audio/mpeg"
	case bytes.HasPrefix(buf, []byte("OggS")):
		return "audio/ogg"
	}

	// MPEG audio frame sync; layer III, or ADTS AAC when the layer bits are zero.
	if buf[0] == 0xFF {
		switch {
		case buf[1]&0xFE == 0xFA, buf[1]&0xFE == 0xF2, buf[1]&0xFE == 0xE2:
			return "audio/mpeg"
		case buf[1]&0xF6 == 0xF0:
			return "audio/aac"
		}
	}

	if len(buf) >= 12 && bytes.Equal(buf[4:8], ftyp) {
		switch string(buf[8:12]) {
		case "M4A ", "M4B ", "M4P ":
			return "audio/mp4"
		case "qt  ":
			return "video/quicktime"
		default:
			return "video/mp4"
		}
	}

	if len(buf) >= 12 && bytes.HasPrefix(buf, []byte("RIFF")) && bytes.Equal(buf[8:12], []byte("WAVE")) {
		return "audio/wave"
	}
	return ""
}

package audiofile

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
)

// DefaultExtensions lists the audio types picked up when a source does not
// configure its own.
var DefaultExtensions = []string{".wav", ".mp3", ".flac"}

var mimeTypes = map[string]string{
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"flac": "audio/flac",
}

// Payload is an audio clip ready to be handed to a gateway.
type Payload struct {
	Path     string
	Format   string
	MIMEType string
	Data     []byte
	Duration time.Duration
}

// Key derives the item key from a file name: its base name without extension.
func Key(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Recognized reports whether path has one of the given extensions,
// compared case-insensitively. An empty list means DefaultExtensions.
func Recognized(path string, extensions []string) bool {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if ext == e {
			return true
		}
	}
	return false
}

// Load reads the clip at path. Duration is probed for wav and flac and left
// zero when the header cannot be read.
func Load(path string) (Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, fmt.Errorf("read audio: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	mime, ok := mimeTypes[format]
	if !ok {
		mime = "application/octet-stream"
	}
	p := Payload{
		Path:     path,
		Format:   format,
		MIMEType: mime,
		Data:     data,
	}
	p.Duration = probeDuration(format, data)
	return p, nil
}

// Base64 encodes the clip for JSON request bodies.
func (p Payload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

func probeDuration(format string, data []byte) time.Duration {
	switch format {
	case "wav":
		dec := wav.NewDecoder(bytes.NewReader(data))
		if !dec.IsValidFile() {
			return 0
		}
		if err := dec.FwdToPCM(); err != nil {
			return 0
		}
		bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
		if bytesPerSec == 0 {
			return 0
		}
		return time.Duration(dec.PCMLen()) * time.Second / time.Duration(bytesPerSec)
	case "flac":
		stream, err := flac.New(bytes.NewReader(data))
		if err != nil {
			return 0
		}
		defer stream.Close()
		if stream.Info == nil || stream.Info.SampleRate == 0 {
			return 0
		}
		return time.Duration(float64(stream.Info.NSamples) / float64(stream.Info.SampleRate) * float64(time.Second))
	}
	return 0
}

package metadata

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// Plausibility is the outcome of a coarse content check. It says nothing
// about whether the audio is the right stem, only that it looks like audio.
type Plausibility struct {
	OK     bool
	Format string
	Size   int64
	Reason string
}

// Prober checks downloaded files for a sane size and a recognised container
type Prober struct {
	supportedFormats []string
	minBytes         int64
	maxBytes         int64
	logger           *logrus.Logger
}

// NewProber creates a new prober. maxBytes <= 0 disables the upper bound.
func NewProber(supportedFormats []string, minBytes, maxBytes int64, logger *logrus.Logger) *Prober {
	return &Prober{
		supportedFormats: supportedFormats,
		minBytes:         minBytes,
		maxBytes:         maxBytes,
		logger:           logger,
	}
}

// IsAudioFile checks if a file has a supported audio extension
func (p *Prober) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range p.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// Check opens filePath and validates its size and header
func (p *Prober) Check(filePath string) Plausibility {
	if !p.IsAudioFile(filePath) {
		return Plausibility{Reason: fmt.Sprintf("unsupported extension %q", filepath.Ext(filePath))}
	}

	file, err := os.Open(filePath)
	if err != nil {
		return Plausibility{Reason: fmt.Sprintf("open: %v", err)}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return Plausibility{Reason: fmt.Sprintf("stat: %v", err)}
	}
	size := stat.Size()
	if size < p.minBytes {
		return Plausibility{Size: size, Reason: fmt.Sprintf("size %d below minimum %d", size, p.minBytes)}
	}
	if p.maxBytes > 0 && size > p.maxBytes {
		return Plausibility{Size: size, Reason: fmt.Sprintf("size %d above maximum %d", size, p.maxBytes)}
	}

	format, err := p.identify(file, strings.ToLower(filepath.Ext(filePath)))
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"size":      size,
		}).WithError(err).Debug("Rejected unrecognised audio header")
		return Plausibility{Size: size, Reason: err.Error()}
	}

	return Plausibility{OK: true, Format: format, Size: size}
}

func (p *Prober) identify(file *os.File, ext string) (string, error) {
	switch ext {
	case ".wav":
		return p.identifyWAV(file)
	case ".flac":
		return p.identifyFLAC(file)
	case ".mp3":
		return p.identifyMP3(file)
	default:
		_, fileType, err := tag.Identify(file)
		if err != nil {
			return "", fmt.Errorf("identify container: %w", err)
		}
		if fileType == tag.UnknownFileType {
			return "", fmt.Errorf("unrecognised container")
		}
		return string(fileType), nil
	}
}

func (p *Prober) identifyWAV(file *os.File) (string, error) {
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return "", fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return "", fmt.Errorf("invalid wav header")
	}
	return "WAV", nil
}

func (p *Prober) identifyFLAC(file *os.File) (string, error) {
	stream, err := flac.New(file)
	if err != nil {
		return "", fmt.Errorf("invalid flac stream: %w", err)
	}
	if stream.Info == nil || stream.Info.SampleRate == 0 {
		return "", fmt.Errorf("flac stream missing sample info")
	}
	return "FLAC", nil
}

// identifyMP3 accepts an ID3v2 tag or a first decodable MPEG frame
func (p *Prober) identifyMP3(file *os.File) (string, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(file, head); err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	if bytes.Equal(head, []byte("ID3")) {
		return "MP3", nil
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	dec := mp3.NewDecoder(file)
	var frame mp3.Frame
	var skipped int
	if err := dec.Decode(&frame, &skipped); err != nil {
		return "", fmt.Errorf("no mpeg frame: %w", err)
	}
	if frame.Size() <= 0 {
		return "", fmt.Errorf("empty mpeg frame")
	}
	return "MP3", nil
}

package metadata

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"stemdl/pkg/models"

	"github.com/bogem/id3v2/v2"
	"github.com/sirupsen/logrus"
)

// writeWAV writes a mono 16-bit PCM file with dataBytes of silence
func writeWAV(t *testing.T, path string, dataBytes int) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataBytes))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))     // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))     // channels
	binary.Write(&buf, binary.LittleEndian, uint32(44100)) // sample rate
	binary.Write(&buf, binary.LittleEndian, uint32(88200)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))     // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))    // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataBytes))
	buf.Write(make([]byte, dataBytes))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
}

func testProber() *Prober {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewProber([]string{".mp3", ".wav", ".flac", ".m4a"}, 1024, 1<<20, logger)
}

func TestProberAcceptsWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Bass.wav")
	writeWAV(t, path, 64*1024)

	got := testProber().Check(path)
	if !got.OK {
		t.Fatalf("expected valid wav to be plausible, got reason %q", got.Reason)
	}
	if got.Format != "WAV" {
		t.Errorf("expected WAV format, got %s", got.Format)
	}
}

func TestProberRejects(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.wav")
	writeWAV(t, small, 16)

	large := filepath.Join(dir, "large.wav")
	writeWAV(t, large, 2<<20)

	text := filepath.Join(dir, "page.wav")
	if err := os.WriteFile(text, bytes.Repeat([]byte("<html>error</html>"), 200), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, bytes.Repeat([]byte("x"), 4096), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := testProber()
	for _, path := range []string{small, large, text, other, filepath.Join(dir, "missing.wav")} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			if got := p.Check(path); got.OK {
				t.Errorf("expected %s to be rejected", filepath.Base(path))
			} else if got.Reason == "" {
				t.Error("expected a rejection reason")
			}
		})
	}
}

func TestProberAcceptsID3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Drums.mp3")
	data := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 4096)...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := testProber().Check(path); !got.OK {
		t.Errorf("expected id3-prefixed file to be plausible, got %q", got.Reason)
	}
}

func TestTaggerWritesTitle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Bass.mp3")
	if err := os.WriteFile(path, make([]byte, 4096), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	item := models.WorkItem{SongURL: "https://example.com/song.html", SongName: "Song", TrackName: "Bass"}
	if err := NewTagger().Tag(path, item); err != nil {
		t.Fatalf("Tag: %v", err)
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tag.Close()
	if tag.Title() != "Bass" || tag.Album() != "Song" {
		t.Errorf("unexpected tags: title=%q album=%q", tag.Title(), tag.Album())
	}
}

func TestTaggerSkipsNonMP3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Bass.wav")
	writeWAV(t, path, 2048)
	before, _ := os.ReadFile(path)

	if err := NewTagger().Tag(path, models.WorkItem{TrackName: "Bass"}); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("expected wav file to be untouched")
	}
}

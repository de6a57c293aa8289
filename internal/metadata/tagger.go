package metadata

import (
	"fmt"
	"path/filepath"
	"strings"

	"stemdl/pkg/models"

	"github.com/bogem/id3v2/v2"
)

// Tagger writes ID3 tags into renamed MP3 stems so players show which song
// and track a file belongs to.
type Tagger struct{}

// NewTagger creates a new tagger
func NewTagger() *Tagger {
	return &Tagger{}
}

// Tag writes title, album and source comment frames. Non-MP3 files are
// left untouched.
func (t *Tagger) Tag(filePath string, item models.WorkItem) error {
	if strings.ToLower(filepath.Ext(filePath)) != ".mp3" {
		return nil
	}

	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("open id3 tag: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(item.TrackName)
	tag.SetAlbum(item.SongLabel())
	tag.AddCommentFrame(id3v2.CommentFrame{
		Encoding:    id3v2.EncodingUTF8,
		Language:    "eng",
		Description: "source",
		Text:        item.SongURL,
	})

	if err := tag.Save(); err != nil {
		return fmt.Errorf("save id3 tag: %w", err)
	}
	return nil
}

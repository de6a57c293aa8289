package config

import (
	"fmt"
	"os"
	"strings"

	"stemdl/pkg/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// SongsFile represents the structure of songs.toml
type SongsFile struct {
	Songs []models.Song `toml:"songs"`
}

// LoadSongs reads the ordered song list. Duplicate URLs are dropped, keeping
// the first occurrence.
func LoadSongs(path string) ([]models.Song, error) {
	var file SongsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to parse songs file: %w", err)
	}

	seen := make(map[string]bool, len(file.Songs))
	songs := make([]models.Song, 0, len(file.Songs))
	for i, song := range file.Songs {
		song.URL = strings.TrimSpace(song.URL)
		song.Name = strings.TrimSpace(song.Name)
		if song.URL == "" {
			return nil, fmt.Errorf("song %d has no url", i+1)
		}
		if !strings.HasPrefix(song.URL, "http://") && !strings.HasPrefix(song.URL, "https://") {
			return nil, fmt.Errorf("song %d: invalid url %q: must start with http:// or https://", i+1, song.URL)
		}
		if seen[song.URL] {
			continue
		}
		seen[song.URL] = true
		songs = append(songs, song)
	}

	if len(songs) == 0 {
		return nil, fmt.Errorf("songs file %s lists no songs", path)
	}
	return songs, nil
}

// Credentials are the account used for interactive login
type Credentials struct {
	Email    string
	Password string
}

// Valid reports whether both fields are set
func (c Credentials) Valid() bool {
	return c.Email != "" && c.Password != ""
}

// LoadCredentials reads STEMDL_EMAIL and STEMDL_PASSWORD, loading envFile
// first when it exists. Variables already set in the environment win.
func LoadCredentials(envFile string) (Credentials, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Credentials{}, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}
	return Credentials{
		Email:    os.Getenv("STEMDL_EMAIL"),
		Password: os.Getenv("STEMDL_PASSWORD"),
	}, nil
}

package downloader

import (
	"os"
	"sort"
	"time"
)

// FileSnapshot is a directory entry observed at a point in time
type FileSnapshot struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// DirectorySnapshot is the set of files present in a directory right before
// a download is triggered. Only files absent from it are ever considered as
// the result of that download.
type DirectorySnapshot struct {
	dir     string
	files   map[string]FileSnapshot
	takenAt time.Time
}

// TakeSnapshot lists the regular files of dir
func TakeSnapshot(dir string) (DirectorySnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return DirectorySnapshot{}, &FilesystemError{Op: "snapshot", Path: dir, Err: err}
	}

	files := make(map[string]FileSnapshot, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		files[entry.Name()] = FileSnapshot{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
	}

	return DirectorySnapshot{dir: dir, files: files, takenAt: time.Now()}, nil
}

// Dir returns the snapshotted directory
func (s DirectorySnapshot) Dir() string { return s.dir }

// Len returns the number of files in the snapshot
func (s DirectorySnapshot) Len() int { return len(s.files) }

// Contains reports whether name was present when the snapshot was taken
func (s DirectorySnapshot) Contains(name string) bool {
	_, ok := s.files[name]
	return ok
}

// NewFiles lists regular files of the directory that are absent from the
// snapshot, oldest first.
func (s DirectorySnapshot) NewFiles() ([]FileSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &FilesystemError{Op: "list", Path: s.dir, Err: err}
	}

	var fresh []FileSnapshot
	for _, entry := range entries {
		if entry.IsDir() || s.Contains(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fresh = append(fresh, FileSnapshot{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].ModTime.Equal(fresh[j].ModTime) {
			return fresh[i].Name < fresh[j].Name
		}
		return fresh[i].ModTime.Before(fresh[j].ModTime)
	})
	return fresh, nil
}

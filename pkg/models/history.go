package models

import "time"

// RunStatus is the outcome of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one invocation of the downloader
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     RunStatus  `json:"status"`
	Songs      int        `json:"songs"`
	Downloaded int        `json:"downloaded"`
	Failed     int        `json:"failed"`
}

// Stem is a downloaded, renamed track file
type Stem struct {
	ID           int       `json:"id"`
	RunID        string    `json:"runId"`
	SongURL      string    `json:"songUrl"`
	SongName     string    `json:"songName"`
	TrackIndex   int       `json:"trackIndex"`
	TrackName    string    `json:"trackName"`
	FilePath     string    `json:"filePath"`
	FileSize     int64     `json:"fileSize"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

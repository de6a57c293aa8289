// Package report prints the end-of-run summary for the operator
package report

import (
	"fmt"
	"io"
	"time"

	"stemdl/pkg/models"

	"github.com/fatih/color"
)

var (
	red    = color.New(color.FgRed, color.Bold)
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow)
	faint  = color.New(color.Faint)
)

// Write lists every permanent failure as (track, song), or confirms that
// everything was downloaded.
func Write(w io.Writer, failures []models.FailureRecord) {
	if len(failures) == 0 {
		green.Fprintln(w, "All stems downloaded")
		return
	}

	writeFailures(w, failures)
}

// WriteOutcome reports the end of a run. A run that stopped with err never
// claims success; the permanent failures it reached are still listed.
func WriteOutcome(w io.Writer, failures []models.FailureRecord, err error) {
	if err == nil {
		Write(w, failures)
		return
	}
	red.Fprintf(w, "Run did not finish: %v\n", err)
	if len(failures) > 0 {
		writeFailures(w, failures)
	}
}

func writeFailures(w io.Writer, failures []models.FailureRecord) {
	red.Fprintf(w, "%d stem(s) could not be downloaded:\n", len(failures))
	for _, rec := range failures {
		fmt.Fprintf(w, "  %s  %s\n", yellow.Sprint(rec.Item.TrackName), rec.Item.SongLabel())
		if rec.Reason != "" {
			faint.Fprintf(w, "      %s\n", rec.Reason)
		}
	}
}

// WriteRuns prints run history, newest first
func WriteRuns(w io.Writer, runs []models.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	for _, run := range runs {
		status := string(run.Status)
		switch run.Status {
		case models.RunCompleted:
			if run.Failed == 0 {
				status = green.Sprint(status)
			} else {
				status = yellow.Sprint(status)
			}
		case models.RunFailed, models.RunCancelled:
			status = red.Sprint(status)
		}

		took := "-"
		if run.FinishedAt != nil {
			took = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %s  %-9s  songs=%d downloaded=%d failed=%d  took=%s\n",
			faint.Sprint(run.ID[:min(8, len(run.ID))]),
			run.StartedAt.Local().Format("2006-01-02 15:04"),
			status, run.Songs, run.Downloaded, run.Failed, took)
	}
}

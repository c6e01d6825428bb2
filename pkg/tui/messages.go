package tui

import (
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

type managersLoadedMsg struct {
	managers []engine.ManagerStatus
}

type listingLoadedMsg struct {
	backend string
	listing *engine.Listing
	err     error
}

type searchResultsMsg struct {
	query  string
	result *engine.SearchResult
	err    error
}

type jobSubmittedMsg struct {
	job *engine.Job
	err error
}

type jobCancelledMsg struct {
	job *engine.Job
	err error
}

type jobsPolledMsg struct {
	jobs []engine.Job
}

type logsPolledMsg struct {
	id    string
	lines []engine.LogLine
	err   error
}

type tickMsg time.Time

package archiver

import "threadvault/pkg/models"

// State is the tri-state of one active thread download. A download starts
// Running and can transition exactly once, to Stopped or Canceled; the
// first transition wins and is never reverted. A fresh enqueue creates a
// new Running entry.
type State int

const (
	// StateRunning means the download is queued or in progress.
	StateRunning State = iota
	// StateStopped means the user paused archiving; files are kept and the
	// thread resumes from its last saved post when re-enqueued.
	StateStopped
	// StateCanceled means the user removed the bookmark entirely; all
	// thread files are deleted from disk once the round winds down.
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// saveParameters track one download attempt. The entry is created by
// Enqueue and removed when the batch finishes processing the thread, which
// is how "at most one active download per identity" is enforced.
//
// All fields are guarded by the Archiver mutex; the state flag and the
// deleted-image set below are deliberately behind the same lock so a reader
// never observes them out of sync.
type saveParameters struct {
	posts []models.Post
	state State
}

// transition moves the state away from Running. Returns false when a
// previous stop/cancel already won.
func (p *saveParameters) transition(to State) bool {
	if p.state != StateRunning {
		return false
	}
	p.state = to
	return true
}

// threadParameters outlive individual download attempts: they are created
// on the first enqueue of an identity and kept until process restart (or
// until the bookmark is canceled). The deleted-image set records filenames
// the server answered 404 for, so repeated attempts do not block on
// fetching files that will never exist again.
type threadParameters struct {
	deletedImages map[string]struct{}
}

func newThreadParameters() *threadParameters {
	return &threadParameters{
		deletedImages: make(map[string]struct{}),
	}
}

func (p *threadParameters) addDeletedImage(filename string) {
	p.deletedImages[filename] = struct{}{}
}

func (p *threadParameters) isImageDeleted(filename string) bool {
	_, ok := p.deletedImages[filename]
	return ok
}

package recorder

import "errors"

// Sentinel errors returned by the [Manager] control surface. Loss-class
// problems (ring overflow, late arrival, out-of-order samples) are not
// errors: they are recovered locally and reported through [SpeakerStats].
var (
	// ErrAlreadyRecording is returned by Start when the scope already has a
	// live recording. The caller must Stop it first.
	ErrAlreadyRecording = errors.New("recorder: scope already has a live recording")

	// ErrNoActiveSession is returned by Stop and Status when the scope has no
	// live recording. A second Stop on the same scope returns this rather
	// than producing a second file.
	ErrNoActiveSession = errors.New("recorder: no active recording for scope")

	// ErrNoBufferedAudio is returned by Grab when the scope's standing
	// pre-buffer holds no audio in the requested window.
	ErrNoBufferedAudio = errors.New("recorder: no buffered audio for scope")

	// ErrSinkWrite wraps an I/O failure on the container sink. It is fatal
	// to the affected session only: the session finalizes whatever was
	// written and closes with Result.Incomplete set.
	ErrSinkWrite = errors.New("recorder: container sink write failed")
)

package api

import (
	"errors"
	"fmt"
)

// ErrNotLoaded is returned when generation is requested before a model has
// been loaded, or after the pipeline has been disposed.
var ErrNotLoaded = errors.New("model not loaded")

// FetchError indicates a model file could not be downloaded. It is fatal
// for the load attempt; the engine does not retry.
type FetchError struct {
	File       string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.File, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.File, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IntegrityError indicates a downloaded file did not match its manifest
// digest.
type IntegrityError struct {
	File string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: want %s, got %s", e.File, e.Want, e.Got)
}

// BackendUnavailableError indicates the selected execution backend could
// not create a session. The pipeline downgrades gpu to the best CPU path
// exactly once before surfacing this error.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// ConfigMismatchError indicates the model graph does not declare the inputs
// or outputs the generator expects. This is a packaging error and is never
// retried.
type ConfigMismatchError struct {
	Name string
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("model graph does not match generator: missing %s", e.Name)
}

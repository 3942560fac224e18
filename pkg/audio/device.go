package audio

import (
	"fmt"
	"sync"
)

// DeviceKind distinguishes microphones from speakers.
type DeviceKind int

const (
	// DeviceInput is a capture device (microphone).
	DeviceInput DeviceKind = iota

	// DeviceOutput is a playback device (speaker, headphones).
	DeviceOutput
)

// String returns the human-readable name of the device kind.
func (k DeviceKind) String() string {
	switch k {
	case DeviceInput:
		return "input"
	case DeviceOutput:
		return "output"
	default:
		return "unknown"
	}
}

// DeviceDescriptor describes one audio device. Descriptors are referenced by
// identifier only; nothing in the pipeline owns the underlying device.
type DeviceDescriptor struct {
	// ID is the backend-specific identifier passed to [Source.OpenInput].
	ID string

	// Label is the human-readable device name.
	Label string

	// Kind reports whether this is an input or an output device.
	Kind DeviceKind

	// Default is true for the system default device of this kind.
	Default bool
}

// DeviceLister enumerates the devices a backend can open.
type DeviceLister interface {
	Devices() ([]DeviceDescriptor, error)
}

// DeviceRegistry wraps a [DeviceLister] and remembers the current input and
// output selection. An empty selection means "system default".
//
// All methods are safe for concurrent use.
type DeviceRegistry struct {
	lister DeviceLister

	mu     sync.Mutex
	input  string
	output string
}

// NewDeviceRegistry creates a registry backed by lister.
func NewDeviceRegistry(lister DeviceLister) *DeviceRegistry {
	return &DeviceRegistry{lister: lister}
}

// Devices returns the devices of the given kind.
func (r *DeviceRegistry) Devices(kind DeviceKind) ([]DeviceDescriptor, error) {
	all, err := r.lister.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	out := make([]DeviceDescriptor, 0, len(all))
	for _, d := range all {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out, nil
}

// Select makes id the current device of the given kind. An empty id resets to
// the system default. It returns an error wrapping [ErrDeviceNotFound] when id
// is not among the listed devices.
func (r *DeviceRegistry) Select(kind DeviceKind, id string) error {
	if id != "" {
		devices, err := r.Devices(kind)
		if err != nil {
			return err
		}
		found := false
		for _, d := range devices {
			if d.ID == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("audio: select %s device %q: %w", kind, id, ErrDeviceNotFound)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == DeviceOutput {
		r.output = id
	} else {
		r.input = id
	}
	return nil
}

// Selected returns the identifier of the current device of the given kind.
func (r *DeviceRegistry) Selected(kind DeviceKind) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == DeviceOutput {
		return r.output
	}
	return r.input
}

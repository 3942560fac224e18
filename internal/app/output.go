package app

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// outputPlayer forwards to a player bound to the selected output device and
// rebinds when the selection changes.
type outputPlayer struct {
	newPlayer func(deviceID string, format audio.Format) audio.Player
	format    audio.Format

	mu       sync.Mutex
	deviceID string
	current  audio.Player
	closed   bool
}

var _ audio.Player = (*outputPlayer)(nil)

func newOutputPlayer(factory func(string, audio.Format) audio.Player, deviceID string, format audio.Format) *outputPlayer {
	return &outputPlayer{newPlayer: factory, format: format, deviceID: deviceID}
}

// Play implements [audio.Player].
func (o *outputPlayer) Play(ctx context.Context, frame audio.AudioFrame) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return context.Canceled
	}
	if o.current == nil {
		o.current = o.newPlayer(o.deviceID, o.format)
	}
	p := o.current
	o.mu.Unlock()
	return p.Play(ctx, frame)
}

// SetDevice rebinds to deviceID. The next Play opens the new device.
func (o *outputPlayer) SetDevice(deviceID string) {
	o.mu.Lock()
	if deviceID == o.deviceID {
		o.mu.Unlock()
		return
	}
	o.deviceID = deviceID
	old := o.current
	o.current = nil
	o.mu.Unlock()
	closePlayer(old)
}

// DeviceID returns the bound output device.
func (o *outputPlayer) DeviceID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deviceID
}

// Close releases the bound player. Idempotent.
func (o *outputPlayer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	p := o.current
	o.current = nil
	o.mu.Unlock()
	return closePlayer(p)
}

func closePlayer(p audio.Player) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

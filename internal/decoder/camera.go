package decoder

import (
	"context"
	"image"
	"sync"

	"go.uber.org/zap"
)

// Facing selects the front or back camera.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
)

func (f Facing) String() string {
	if f == FacingFront {
		return "user"
	}
	return "environment"
}

// Camera opens a capture stream. Open returns one of the device errors when
// capture cannot start.
type Camera interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}

// Stream is an open capture. Close must be called exactly once.
type Stream interface {
	Frames() <-chan image.Image
	HasTorch() bool
	SetTorch(on bool) error
	Close() error
}

// CameraDecoder decodes frames from a Camera. The stream is held only while
// armed and is released on disarm, on emit and when the stream ends.
type CameraDecoder struct {
	cam Camera
	log *zap.Logger

	mu       sync.Mutex
	facing   Facing
	next     Handle
	armed    Handle
	onDecode func(string)
	stream   Stream
	cancel   context.CancelFunc
	torch    bool
}

func NewCameraDecoder(cam Camera, log *zap.Logger) *CameraDecoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &CameraDecoder{cam: cam, log: log}
}

// Arm opens the camera and starts decoding. A previous arming is cancelled.
func (d *CameraDecoder) Arm(onDecode func(string)) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
	d.armed = 0

	d.next++
	h := d.next
	if err := d.startLocked(h); err != nil {
		return 0, err
	}
	d.armed = h
	d.onDecode = onDecode
	return h, nil
}

// Disarm stops decoding and releases the camera. Stale handles are ignored.
func (d *CameraDecoder) Disarm(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == 0 || d.armed != h {
		return
	}
	d.armed = 0
	d.onDecode = nil
	d.releaseLocked()
}

// Armed reports whether a decode callback is pending.
func (d *CameraDecoder) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed != 0
}

// Facing returns the current camera direction.
func (d *CameraDecoder) Facing() Facing {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.facing
}

// ToggleFacing switches cameras. When armed, capture restarts on the new
// camera under the same handle.
func (d *CameraDecoder) ToggleFacing() (Facing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.facing == FacingBack {
		d.facing = FacingFront
	} else {
		d.facing = FacingBack
	}
	if d.armed == 0 {
		return d.facing, nil
	}
	d.releaseLocked()
	if err := d.startLocked(d.armed); err != nil {
		d.armed = 0
		d.onDecode = nil
		return d.facing, err
	}
	return d.facing, nil
}

// TorchAvailable reports whether the open stream has a flashlight.
func (d *CameraDecoder) TorchAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream != nil && d.stream.HasTorch()
}

// SetTorch turns the flashlight on or off.
func (d *CameraDecoder) SetTorch(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return ErrNotCapturing
	}
	if !d.stream.HasTorch() {
		return ErrTorchUnsupported
	}
	if err := d.stream.SetTorch(on); err != nil {
		return err
	}
	d.torch = on
	return nil
}

// Torch reports the flashlight state.
func (d *CameraDecoder) Torch() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.torch
}

// Close disarms and releases the camera.
func (d *CameraDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = 0
	d.onDecode = nil
	d.releaseLocked()
	return nil
}

func (d *CameraDecoder) startLocked(h Handle) error {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := d.cam.Open(ctx, d.facing)
	if err != nil {
		cancel()
		return err
	}
	d.stream = stream
	d.cancel = cancel
	go d.loop(ctx, stream, h)
	return nil
}

func (d *CameraDecoder) releaseLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			d.log.Warn("camera close failed", zap.Error(err))
		}
		d.stream = nil
	}
	d.torch = false
}

func (d *CameraDecoder) loop(ctx context.Context, stream Stream, h Handle) {
	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case img, ok := <-frames:
			if !ok {
				d.streamEnded(stream, h)
				return
			}
			payload, err := Decode(img)
			if err != nil || payload == "" {
				continue
			}
			d.emit(stream, h, payload)
			return
		}
	}
}

// emit delivers payload if h is still armed, disarming first.
func (d *CameraDecoder) emit(stream Stream, h Handle, payload string) {
	d.mu.Lock()
	if d.armed != h || d.stream != stream {
		d.mu.Unlock()
		return
	}
	cb := d.onDecode
	d.armed = 0
	d.onDecode = nil
	d.releaseLocked()
	d.mu.Unlock()

	if cb != nil {
		cb(payload)
	}
}

func (d *CameraDecoder) streamEnded(stream Stream, h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != stream {
		return
	}
	d.log.Warn("camera stream ended while armed", zap.Uint64("handle", uint64(h)))
	d.armed = 0
	d.onDecode = nil
	d.releaseLocked()
}

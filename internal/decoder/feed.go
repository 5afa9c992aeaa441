package decoder

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
)

// FeedCamera is a Camera whose frames are pushed in from outside, such as
// snapshots uploaded by the station browser.
type FeedCamera struct {
	hasTorch bool

	mu  sync.Mutex
	cur *feedStream
}

func NewFeedCamera(hasTorch bool) *FeedCamera {
	return &FeedCamera{hasTorch: hasTorch}
}

func (f *FeedCamera) Open(ctx context.Context, facing Facing) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur != nil {
		return nil, ErrCameraBusy
	}
	s := &feedStream{owner: f, frames: make(chan image.Image, 1), facing: facing}
	f.cur = s
	return s, nil
}

// Push offers a frame to the open stream. It returns ErrNotCapturing when
// nothing is armed and false when the previous frame is still being decoded.
func (f *FeedCamera) Push(img image.Image) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur == nil {
		return false, ErrNotCapturing
	}
	select {
	case f.cur.frames <- img:
		return true, nil
	default:
		return false, nil
	}
}

// PushEncoded decodes a PNG or JPEG frame and pushes it.
func (f *FeedCamera) PushEncoded(raw []byte) (bool, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return false, err
	}
	return f.Push(img)
}

type feedStream struct {
	owner  *FeedCamera
	frames chan image.Image
	facing Facing
	torch  bool
	closed bool
}

func (s *feedStream) Frames() <-chan image.Image { return s.frames }

func (s *feedStream) HasTorch() bool { return s.owner.hasTorch }

func (s *feedStream) SetTorch(on bool) error {
	if !s.owner.hasTorch {
		return ErrTorchUnsupported
	}
	s.owner.mu.Lock()
	s.torch = on
	s.owner.mu.Unlock()
	return nil
}

func (s *feedStream) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owner.cur == s {
		s.owner.cur = nil
	}
	close(s.frames)
	return nil
}

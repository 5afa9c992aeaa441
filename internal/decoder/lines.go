package decoder

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LineDecoder reads payloads one per line, as typed by a keyboard-wedge
// scanner. Lines read while disarmed are dropped.
type LineDecoder struct {
	r   io.Reader
	log *zap.Logger

	mu       sync.Mutex
	next     Handle
	armed    Handle
	onDecode func(string)
}

func NewLineDecoder(r io.Reader, log *zap.Logger) *LineDecoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &LineDecoder{r: r, log: log}
}

func (d *LineDecoder) Arm(onDecode func(string)) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.armed = d.next
	d.onDecode = onDecode
	return d.armed, nil
}

func (d *LineDecoder) Disarm(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h != 0 && d.armed == h {
		d.armed = 0
		d.onDecode = nil
	}
}

// Run reads until EOF or ctx is done.
func (d *LineDecoder) Run(ctx context.Context) error {
	sc := bufio.NewScanner(d.r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		d.deliver(line)
	}
	return sc.Err()
}

func (d *LineDecoder) deliver(payload string) {
	d.mu.Lock()
	cb := d.onDecode
	armed := d.armed != 0
	d.armed = 0
	d.onDecode = nil
	d.mu.Unlock()

	if !armed || cb == nil {
		d.log.Debug("line ignored while disarmed")
		return
	}
	cb(payload)
}

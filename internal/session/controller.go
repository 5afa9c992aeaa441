// Package session drives the scanner station: it owns the selected event,
// arms the decoder, runs one check-in at a time and keeps today's roster.
package session

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"schoolattend/internal/auth"
	"schoolattend/internal/checkin"
	"schoolattend/internal/decoder"
	"schoolattend/internal/metrics"
	"schoolattend/internal/model"
)

var (
	ErrBusy         = errors.New("a scan is already being processed")
	ErrClosed       = errors.New("session closed")
	ErrUnknownEvent = errors.New("event is not active")
	ErrNoCamera     = errors.New("decoder has no camera controls")
)

// Service is the attendance service as seen by the station.
type Service interface {
	checkin.Lookup
	checkin.Guard
	checkin.Writer
	ActiveEvents(ctx context.Context, ac auth.Context) ([]model.Event, error)
	RosterByEvent(ctx context.Context, ac auth.Context, eventName string) ([]model.AttendanceRecord, error)
}

// CameraControls is implemented by decoders backed by a camera.
type CameraControls interface {
	Facing() decoder.Facing
	ToggleFacing() (decoder.Facing, error)
	TorchAvailable() bool
	Torch() bool
	SetTorch(on bool) error
}

type Options struct {
	// ScannedBy tags every record written by this station.
	ScannedBy string
	// AutoReset returns to Ready this long after a success. Zero disables it.
	AutoReset     time.Duration
	RosterPreview int
	Location      *model.GeoPoint
	Clock         checkin.Clock
}

type Controller struct {
	svc   Service
	pipe  *checkin.Pipeline
	dec   decoder.Decoder
	cam   CameraControls
	opts  Options
	clock checkin.Clock
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	events    []model.Event
	selected  string
	rosters   map[string][]model.AttendanceRecord
	auth      auth.Context
	handle    decoder.Handle
	armSeq    uint64
	armTok    uint64
	manual    bool
	deviceErr error
	loadErr   error
	last      *Result
	gen       uint64
	timer     *time.Timer
	subs      map[chan Snapshot]struct{}
	closed    bool
}

func New(svc Service, dec decoder.Decoder, opts Options, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ScannedBy == "" {
		opts.ScannedBy = "scanner"
	}
	if opts.RosterPreview <= 0 {
		opts.RosterPreview = 5
	}
	clock := opts.Clock
	if clock == nil {
		clock = wallClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		svc:     svc,
		pipe:    checkin.New(svc, svc, svc, clock, log),
		dec:     dec,
		opts:    opts,
		clock:   clock,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		rosters: make(map[string][]model.AttendanceRecord),
		subs:    make(map[chan Snapshot]struct{}),
	}
	if cam, ok := dec.(CameraControls); ok {
		c.cam = cam
	}
	return c
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Load fetches the active events, keeps the current selection when it is
// still active (otherwise selects the first one) and prefetches today's
// roster for every event.
func (c *Controller) Load(ctx context.Context, ac auth.Context) error {
	events, err := c.svc.ActiveEvents(ctx, ac)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		c.loadErr = err
		c.notifyLocked()
		c.mu.Unlock()
		return err
	}
	c.useAuthLocked(ac)
	c.loadErr = nil
	c.events = events
	if c.selectedLocked() == nil {
		c.selected = ""
		if len(events) > 0 {
			c.selected = events[0].ID
		}
	}
	active := make(map[string]struct{}, len(events))
	for _, ev := range events {
		active[ev.Name] = struct{}{}
	}
	for name := range c.rosters {
		if _, ok := active[name]; !ok {
			delete(c.rosters, name)
		}
	}
	switch {
	case c.selected == "" && c.state == StateReady:
		c.disarmLocked()
		c.setStateLocked(StateIdle)
	case c.selected != "" && c.state == StateIdle:
		c.setStateLocked(StateReady)
		c.armLocked()
	}
	c.notifyLocked()
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for name := range active {
		g.Go(func() error { return c.fetchRoster(gctx, ac, name) })
	}
	return g.Wait()
}

// SelectEvent changes which event future scans target. A scan already in
// flight keeps the event it started with.
func (c *Controller) SelectEvent(ctx context.Context, ac auth.Context, id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.selected
	c.selected = id
	ev := c.selectedLocked()
	if ev == nil {
		c.selected = prev
		c.mu.Unlock()
		return ErrUnknownEvent
	}
	c.useAuthLocked(ac)
	if c.state == StateIdle {
		c.setStateLocked(StateReady)
		c.armLocked()
	}
	_, loaded := c.rosters[ev.Name]
	name := ev.Name
	c.notifyLocked()
	c.mu.Unlock()

	if loaded {
		return nil
	}
	return c.fetchRoster(ctx, ac, name)
}

// Submit runs one check-in for a manually entered payload. The cycle is not
// cancelled with ctx: once started it runs to its result.
func (c *Controller) Submit(ctx context.Context, ac auth.Context, payload string) (checkin.Outcome, error) {
	c.mu.Lock()
	c.useAuthLocked(ac)
	req, err := c.beginLocked(payload)
	c.mu.Unlock()
	if err != nil {
		return checkin.Outcome{}, err
	}
	return c.process(context.WithoutCancel(ctx), ac, req)
}

// decoded handles a payload emitted by the decoder armed with tok, using the
// most recent credentials seen by the station.
func (c *Controller) decoded(tok uint64, payload string) {
	c.mu.Lock()
	if c.armTok != tok || c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.handle = 0
	ac := c.auth
	req, err := c.beginLocked(payload)
	c.mu.Unlock()
	if err != nil {
		return
	}
	_, _ = c.process(c.ctx, ac, req)
}

// beginLocked moves to Processing. The decoder is disarmed before any call
// to the attendance service is made.
func (c *Controller) beginLocked(payload string) (checkin.Request, error) {
	if c.closed {
		return checkin.Request{}, ErrClosed
	}
	if c.state == StateProcessing {
		return checkin.Request{}, ErrBusy
	}
	ev := c.selectedLocked()
	if ev == nil {
		c.disarmLocked()
		err := &checkin.Error{Kind: checkin.KindPrecondition, Err: checkin.ErrNoEvent}
		c.last = &Result{Kind: err.Kind.String(), Message: err.Message(), At: c.clock.Now()}
		c.notifyLocked()
		return checkin.Request{}, err
	}
	c.disarmLocked()
	c.stopTimerLocked()
	c.setStateLocked(StateProcessing)
	c.notifyLocked()
	return checkin.Request{
		Payload:   payload,
		EventName: ev.Name,
		ScannedBy: c.opts.ScannedBy,
		Location:  c.opts.Location,
	}, nil
}

func (c *Controller) process(ctx context.Context, ac auth.Context, req checkin.Request) (checkin.Outcome, error) {
	out, err := c.pipe.Run(ctx, ac, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{EventName: req.EventName, StudentName: out.Student.Name, At: c.clock.Now()}
	if err == nil {
		rec := out.Record
		res.Success = true
		res.Message = out.Message()
		res.Record = &rec
		c.addRecordLocked(rec)
	} else {
		res.Kind = checkin.KindOf(err).String()
		res.Message = message(err)
	}
	c.last = &res
	c.setStateLocked(StateResult)
	if err == nil && c.opts.AutoReset > 0 && !c.closed {
		gen := c.gen
		c.timer = time.AfterFunc(c.opts.AutoReset, func() { c.autoReset(gen) })
	}
	c.notifyLocked()
	return out, err
}

func message(err error) string {
	var ce *checkin.Error
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return "Could not record attendance. Scan again to retry."
}

// Reset leaves the result banner and re-arms the decoder for the next scan.
func (c *Controller) Reset(ac auth.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == StateProcessing {
		return ErrBusy
	}
	c.useAuthLocked(ac)
	c.resetLocked()
	return nil
}

func (c *Controller) autoReset(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen || c.state != StateResult {
		return
	}
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.stopTimerLocked()
	if c.selectedLocked() == nil {
		c.disarmLocked()
		c.setStateLocked(StateIdle)
	} else {
		c.setStateLocked(StateReady)
		c.armLocked()
	}
	c.notifyLocked()
}

// CameraFailed records a device error and switches to manual entry.
func (c *Controller) CameraFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceFailedLocked(err)
	c.notifyLocked()
}

// EnterManual switches to manual entry and releases the camera.
func (c *Controller) EnterManual() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = true
	c.disarmLocked()
	c.notifyLocked()
}

// UseCamera leaves manual entry and retries the camera.
func (c *Controller) UseCamera(ac auth.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.useAuthLocked(ac)
	c.manual = false
	c.deviceErr = nil
	c.armLocked()
	c.notifyLocked()
	return c.deviceErr
}

// ToggleFacing switches between front and back cameras.
func (c *Controller) ToggleFacing() (decoder.Facing, error) {
	if c.cam == nil {
		return 0, ErrNoCamera
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.cam.ToggleFacing()
	if err != nil {
		c.deviceFailedLocked(err)
	}
	c.notifyLocked()
	return f, err
}

// ToggleTorch flips the flashlight when the camera has one.
func (c *Controller) ToggleTorch() (bool, error) {
	if c.cam == nil {
		return false, ErrNoCamera
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	on := !c.cam.Torch()
	if err := c.cam.SetTorch(on); err != nil {
		return c.cam.Torch(), err
	}
	c.notifyLocked()
	return on, nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe delivers the current snapshot and every later change. Slow
// readers only see the latest snapshot.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	ch <- c.snapshotLocked()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// Close releases the camera and ends all subscriptions.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	c.disarmLocked()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	if cl, ok := c.dec.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// useAuthLocked remembers the latest non-empty credentials for decodes
// that fire later.
func (c *Controller) useAuthLocked(ac auth.Context) {
	if !ac.Anonymous() {
		c.auth = ac
	}
}

func (c *Controller) armLocked() {
	if c.closed || c.state != StateReady || c.manual || c.handle != 0 {
		return
	}
	c.armSeq++
	tok := c.armSeq
	h, err := c.dec.Arm(func(payload string) { c.decoded(tok, payload) })
	if err != nil {
		c.deviceFailedLocked(err)
		return
	}
	c.handle = h
	c.armTok = tok
}

func (c *Controller) disarmLocked() {
	if c.handle != 0 {
		c.dec.Disarm(c.handle)
	}
	c.handle = 0
	c.armTok = 0
}

func (c *Controller) deviceFailedLocked(err error) {
	c.manual = true
	c.deviceErr = err
	c.disarmLocked()
	metrics.ObserveDeviceError(decoder.Kind(err))
	c.log.Warn("camera unavailable, manual entry enabled", zap.Error(err))
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.gen++
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) selectedLocked() *model.Event {
	if c.selected == "" {
		return nil
	}
	for i := range c.events {
		if c.events[i].ID == c.selected {
			return &c.events[i]
		}
	}
	return nil
}

func (c *Controller) fetchRoster(ctx context.Context, ac auth.Context, name string) error {
	recs, err := c.svc.RosterByEvent(ctx, ac, name)
	if err != nil {
		c.log.Warn("roster fetch failed", zap.String("event", name), zap.Error(err))
		return err
	}
	today := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	merged := c.rosters[name]
	for _, r := range recs {
		if sameDay(r.Timestamp, today) {
			merged = appendUnique(merged, r)
		}
	}
	if merged == nil {
		merged = []model.AttendanceRecord{}
	}
	sortRecent(merged)
	c.rosters[name] = merged
	c.notifyLocked()
	return nil
}

// addRecordLocked appends a confirmed record to its event's roster.
func (c *Controller) addRecordLocked(rec model.AttendanceRecord) {
	roster := appendUnique(c.rosters[rec.EventName], rec)
	sortRecent(roster)
	c.rosters[rec.EventName] = roster
}

func appendUnique(list []model.AttendanceRecord, rec model.AttendanceRecord) []model.AttendanceRecord {
	for _, r := range list {
		if r.ID == rec.ID {
			return list
		}
	}
	return append(list, rec)
}

func sortRecent(list []model.AttendanceRecord) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.After(list[j].Timestamp) })
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:  c.state.String(),
		Events: append([]model.Event(nil), c.events...),
		Armed:  c.handle != 0,
		Manual: c.manual,
		Recent: []model.AttendanceRecord{},
	}
	if c.deviceErr != nil {
		s.DeviceError = decoder.Message(c.deviceErr)
	}
	if c.loadErr != nil {
		s.LoadError = c.loadErr.Error()
	}
	if c.cam != nil {
		s.Facing = c.cam.Facing().String()
		s.TorchAvailable = c.cam.TorchAvailable()
		s.Torch = c.cam.Torch()
	}
	if c.last != nil {
		last := *c.last
		s.Last = &last
	}
	if ev := c.selectedLocked(); ev != nil {
		sel := *ev
		s.SelectedEvent = &sel
		roster := c.rosters[ev.Name]
		s.TodayCount = len(roster)
		n := min(len(roster), c.opts.RosterPreview)
		s.Recent = append(s.Recent, roster[:n]...)
	}
	return s
}

func (c *Controller) notifyLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

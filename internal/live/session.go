// Package live runs one duplex voice session: microphone frames go out to the
// conversational model, synthesized audio comes back through the playback
// scheduler, and tool calls are brokered while the conversation continues.
package live

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/audio"
	"github.com/antoniostano/teleagent/internal/playback"
	"github.com/antoniostano/teleagent/internal/tools"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelAgent   Level = "agent"
	LevelUser    Level = "user"
)

// LogEntry is a diagnostic event meant for display next to the call.
type LogEntry struct {
	Time    time.Time
	Level   Level
	Message string
}

// Hooks are invoked from session goroutines and must not block.
type Hooks struct {
	OnLog         func(LogEntry)
	OnStateChange func(State)
	// OnClose fires once when the session reaches Closed or Failed. cause is nil
	// for an orderly close.
	OnClose    func(reason string, cause error)
	OnPlayback func(busy bool)
}

const DefaultChunkSamples = 4096

type Config struct {
	Params  SessionParameters
	Capture CaptureDevice
	Output  OutputDevice
	Dialer  Dialer
	Tools   ToolHandler

	// ChunkSamples is the number of captured input samples per outbound frame.
	ChunkSamples int
	// NewSender builds the outbound audio path. Defaults to a QueueSender.
	NewSender func() AudioSender

	Hooks    Hooks
	Logger   logrus.FieldLogger
	Recorder FrameRecorder
}

// Session is one call attempt. It is owned by the caller that created it.
type Session struct {
	cfg Config
	log logrus.FieldLogger

	mu        sync.Mutex
	state     State
	stream    CaptureStream
	sink      Sink
	transport Transport
	scheduler *playback.Scheduler
	cancel    context.CancelFunc
	seen      map[string]struct{}
	cause     error

	active   atomic.Bool
	done     chan struct{}
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Capture == nil:
		return nil, errors.New("live: capture device is required")
	case cfg.Output == nil:
		return nil, errors.New("live: output device is required")
	case cfg.Dialer == nil:
		return nil, errors.New("live: dialer is required")
	case cfg.Tools == nil:
		return nil, errors.New("live: tool handler is required")
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	if cfg.NewSender == nil {
		cfg.NewSender = func() AudioSender { return NewQueueSender(DefaultSendQueue) }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Session{
		cfg:   cfg,
		log:   cfg.Logger,
		state: StateIdle,
		seen:  make(map[string]struct{}),
		done:  make(chan struct{}),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure cause once the session has failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Wait blocks until the session has ended and every tool call it accepted has
// been answered.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	drained := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlaybackBusy reports whether scheduled agent audio is still playing.
func (s *Session) PlaybackBusy() bool {
	s.mu.Lock()
	sched, sink := s.scheduler, s.sink
	s.mu.Unlock()
	if sched == nil || sink == nil {
		return false
	}
	return sched.Busy(sink.Now())
}

// Start acquires the microphone, opens the output sink and dials the model, in
// that order. Any failure tears down what was acquired and leaves the session
// Failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.emitState(StateConnecting)
	s.emit(LevelInfo, "requesting microphone access")

	stream, err := s.cfg.Capture.Acquire(ctx)
	if err != nil {
		var capErr *CaptureError
		if !errors.As(err, &capErr) {
			err = NewCaptureError(Unsupported, err)
		}
		s.emit(LevelError, "microphone unavailable: "+err.Error())
		s.shutdown(StateFailed, "capture unavailable", err)
		return err
	}
	if !s.adopt(func() { s.stream = stream }) {
		_ = stream.Release()
		return ErrStopped
	}
	s.emit(LevelSuccess, "microphone ready")

	sink, err := s.cfg.Output.CreateSink(ctx)
	if err != nil {
		err = fmt.Errorf("create output sink: %w", err)
		s.emit(LevelError, err.Error())
		s.shutdown(StateFailed, "output unavailable", err)
		return err
	}
	scheduler := playback.NewScheduler(sink)
	if s.cfg.Hooks.OnPlayback != nil {
		scheduler.OnActivity(s.cfg.Hooks.OnPlayback)
	}
	if !s.adopt(func() { s.sink, s.scheduler = sink, scheduler }) {
		_ = sink.Close()
		return ErrStopped
	}

	s.emit(LevelInfo, "connecting to the live model")
	transport, err := s.cfg.Dialer.Dial(ctx, s.cfg.Params)
	if err != nil {
		err = &TransportError{Op: "connect", Err: err}
		s.emit(LevelError, "connection failed: "+err.Error())
		s.shutdown(StateFailed, "connect failed", err)
		return err
	}

	// The session outlives the ctx that started it; only Stop or the remote side
	// end it.
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sender := s.cfg.NewSender()

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		cancel()
		_ = transport.Close()
		return ErrStopped
	}
	s.transport = transport
	s.cancel = cancel
	s.state = StateStreaming
	s.active.Store(true)
	s.loops.Add(3)
	s.mu.Unlock()

	s.emitState(StateStreaming)
	s.emit(LevelSuccess, "connected, streaming audio")

	go s.sendLoop(lctx, sender, transport)
	go s.captureLoop(lctx, stream, sender)
	go s.dispatchLoop(lctx, transport, sink, scheduler)
	return nil
}

// Stop ends the session and releases every owned resource. It is a no-op before
// Start and after the session has ended. The first teardown error is returned.
func (s *Session) Stop() error {
	return s.shutdown(StateClosed, "stopped", nil)
}

func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	set()
	return true
}

func (s *Session) shutdown(final State, reason string, cause error) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosing, StateClosed, StateFailed:
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.active.Store(false)
	stream, sink, transport, scheduler, cancel := s.stream, s.sink, s.transport, s.scheduler, s.cancel
	s.stream, s.sink, s.transport, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()
	s.emitState(StateClosing)

	if cancel != nil {
		cancel()
	}

	var first error
	step := func(name string, fn func() error) {
		err := fn()
		if err == nil {
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		if first == nil {
			first = err
			return
		}
		s.log.WithError(err).Warn("teardown step failed")
		s.emit(LevelError, err.Error())
	}
	if stream != nil {
		step("release capture", stream.Release)
	}
	if scheduler != nil {
		scheduler.Close()
	}
	if sink != nil {
		step("close output", sink.Close)
	}
	if transport != nil {
		step("close transport", transport.Close)
	}

	if cause != nil {
		final = StateFailed
	}
	s.mu.Lock()
	s.state = final
	s.cause = cause
	s.mu.Unlock()

	s.emitState(final)
	switch {
	case cause != nil:
		s.emit(LevelError, "session failed: "+cause.Error())
	case first != nil:
		s.emit(LevelError, "session closed with errors: "+first.Error())
	default:
		s.emit(LevelInfo, "session closed: "+reason)
	}
	if s.cfg.Hooks.OnClose != nil {
		s.cfg.Hooks.OnClose(reason, cause)
	}
	close(s.done)
	return first
}

func (s *Session) sendLoop(ctx context.Context, sender AudioSender, t Transport) {
	defer s.loops.Done()
	if err := sender.Run(ctx, t); err != nil {
		s.shutdown(StateFailed, "send failed", &TransportError{Op: "send audio", Err: err})
	}
}

func (s *Session) captureLoop(ctx context.Context, stream CaptureStream, sender AudioSender) {
	defer s.loops.Done()
	chunk := s.cfg.ChunkSamples
	pending := make([]float32, 0, chunk*2)
	samples := stream.Samples()

	for {
		var in []float32
		var ok bool
		select {
		case <-ctx.Done():
			return
		case in, ok = <-samples:
		}
		if !ok {
			if s.active.Load() {
				s.emit(LevelInfo, "microphone stream ended")
				go s.shutdown(StateClosed, "capture ended", nil)
			}
			return
		}
		if !s.active.Load() {
			s.observeFrame("in", "discarded")
			continue
		}
		pending = append(pending, in...)
		for len(pending) >= chunk {
			frame := audio.Frame{
				Samples:    audio.Resample(pending[:chunk], stream.SampleRate(), audio.WireInputRate),
				SampleRate: audio.WireInputRate,
			}
			pending = append(pending[:0], pending[chunk:]...)
			if !s.active.Load() {
				s.observeFrame("in", "discarded")
				continue
			}
			if sender.Send(audio.EncodeFrame(frame)) {
				s.observeFrame("in", "sent")
			} else {
				s.observeFrame("in", "dropped")
			}
		}
	}
}

func (s *Session) dispatchLoop(ctx context.Context, t Transport, sink Sink, scheduler *playback.Scheduler) {
	defer s.loops.Done()
	inbound := t.Inbound()
	for {
		var msg InboundMessage
		var ok bool
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-inbound:
		}
		if !ok {
			go s.shutdown(StateClosed, "transport closed", nil)
			return
		}

		switch m := msg.(type) {
		case AudioPayload:
			s.playAudio(m, sink, scheduler)
		case ToolCallRequest:
			s.runToolCalls(ctx, t, m)
		case Transcript:
			if text := strings.TrimSpace(m.Text); text != "" {
				level := LevelAgent
				if m.Role == RoleUser {
					level = LevelUser
				}
				s.emit(level, text)
			}
		case SessionClosed:
			reason := "remote closed"
			if m.Reason != "" {
				reason = m.Reason
			}
			go s.shutdown(StateClosed, reason, nil)
			return
		case SessionError:
			err := m.Err
			if err == nil {
				err = errors.New(m.Detail)
			}
			go s.shutdown(StateFailed, "transport error", &TransportError{Op: "stream", Err: err})
			return
		default:
			s.log.WithField("type", fmt.Sprintf("%T", msg)).Warn("unhandled inbound message")
		}
	}
}

func (s *Session) playAudio(m AudioPayload, sink Sink, scheduler *playback.Scheduler) {
	buf, err := audio.DecodePCM16(m.Data, rateFromMIME(m.MIMEType, audio.WireOutputRate))
	if err != nil {
		s.observeFrame("out", "decode_error")
		s.log.WithError(err).Warn("dropping malformed audio frame")
		s.emit(LevelError, "dropped malformed audio frame: "+err.Error())
		return
	}
	if _, err := scheduler.Schedule(buf, sink.Now()); err != nil {
		if errors.Is(err, playback.ErrClosed) {
			return
		}
		s.observeFrame("out", "schedule_error")
		s.emit(LevelError, "playback scheduling failed: "+err.Error())
		return
	}
	s.observeFrame("out", "played")
}

// runToolCalls answers each new call on its own goroutine. Responses are sent
// even if the session starts closing meanwhile.
func (s *Session) runToolCalls(ctx context.Context, t Transport, req ToolCallRequest) {
	for _, call := range req.Calls {
		if call.ID != "" {
			s.mu.Lock()
			_, dup := s.seen[call.ID]
			s.seen[call.ID] = struct{}{}
			s.mu.Unlock()
			if dup {
				s.log.WithField("call_id", call.ID).Warn("ignoring duplicate tool call")
				continue
			}
		}
		s.emit(LevelInfo, "tool call: "+call.Name)
		s.inflight.Add(1)
		go s.answer(context.WithoutCancel(ctx), t, call)
	}
}

func (s *Session) answer(ctx context.Context, t Transport, call tools.Call) {
	defer s.inflight.Done()
	resp := s.handle(ctx, call)
	resp.ID, resp.Name = call.ID, call.Name

	if resp.Failed() {
		s.emit(LevelError, fmt.Sprintf("%s failed: %s", call.Name, resp.Error))
	} else {
		s.emit(LevelSuccess, call.Name+" completed")
	}
	if err := t.SendToolResponses(ctx, []tools.Response{resp}); err != nil {
		entry := s.log.WithFields(logrus.Fields{"tool": call.Name, "call_id": call.ID}).WithError(err)
		if s.active.Load() {
			entry.Error("sending tool response failed")
			s.emit(LevelError, "could not deliver "+call.Name+" result: "+err.Error())
		} else {
			entry.Debug("tool response dropped after session end")
		}
	}
}

func (s *Session) handle(ctx context.Context, call tools.Call) (resp tools.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("tool handler panicked")
			resp = tools.Response{Error: fmt.Sprintf("internal error while running %s", call.Name)}
		}
	}()
	resp = s.cfg.Tools.Handle(ctx, call)
	if resp.Error == "" && resp.Result == nil {
		resp.Result = map[string]any{}
	}
	return resp
}

func (s *Session) emit(level Level, msg string) {
	entry := LogEntry{Time: time.Now(), Level: level, Message: msg}
	switch level {
	case LevelError:
		s.log.WithField("level_tag", level).Warn(msg)
	default:
		s.log.WithField("level_tag", level).Debug(msg)
	}
	if s.cfg.Hooks.OnLog != nil {
		s.cfg.Hooks.OnLog(entry)
	}
}

func (s *Session) emitState(state State) {
	s.log.WithField("state", state).Info("live session state changed")
	if s.cfg.Hooks.OnStateChange != nil {
		s.cfg.Hooks.OnStateChange(state)
	}
}

func (s *Session) observeFrame(direction, outcome string) {
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.ObserveAudioFrame(direction, outcome)
	}
}

// rateFromMIME extracts the rate parameter of e.g. "audio/pcm;rate=24000".
func rateFromMIME(mimeType string, fallback int) int {
	if mimeType == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}

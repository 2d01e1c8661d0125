package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/booking"
	"github.com/antoniostano/teleagent/internal/bridge"
	"github.com/antoniostano/teleagent/internal/calls"
	"github.com/antoniostano/teleagent/internal/live"
	"github.com/antoniostano/teleagent/internal/memory"
	"github.com/antoniostano/teleagent/internal/observability"
	"github.com/antoniostano/teleagent/internal/policy"
	"github.com/antoniostano/teleagent/internal/protocol"
	"github.com/antoniostano/teleagent/internal/tools"
)

const drainTimeout = 10 * time.Second

// CallRunner drives one live session per attached audio bridge.
type CallRunner struct {
	Calls    *calls.Manager
	Booking  booking.Service
	Dialer   live.Dialer
	Metrics  *observability.Metrics
	Logger   logrus.FieldLogger
	Settings RunnerSettings

	// History is optional; without it every call starts cold.
	History memory.Store
}

type RunnerSettings struct {
	Model             string
	Voice             string
	SystemInstruction string
	ChunkSamples      int
	ResultCap         int
	HistoryLimit      int
}

const historyTimeout = 2 * time.Second

// RunCall blocks until the session for c has ended and its in-flight tool
// calls have been answered, or ctx is cancelled.
func (r *CallRunner) RunCall(ctx context.Context, c *calls.Call, device *bridge.Bridge, emit bridge.Emitter) error {
	contact, err := r.Calls.Contact(c.ContactID)
	if err != nil {
		return err
	}
	log := r.Logger.WithFields(logrus.Fields{"call_id": c.ID, "contact": contact.ID})

	broker, err := tools.NewBroker(r.Booking, tools.Options{
		Customer:  tools.Customer{Name: contact.Name, Phone: contact.Phone},
		ResultCap: r.Settings.ResultCap,
		OnBooked: func(appt booking.Appointment) {
			if err := r.Calls.RecordBooking(c.ID, appt); err != nil {
				log.WithError(err).Warn("record booking")
			}
			r.Metrics.CallEvent("booked")
			emit(protocol.AppointmentBooked{
				Type:          protocol.TypeAppointmentBooked,
				CallID:        c.ID,
				AppointmentID: appt.ID,
				Date:          appt.Date,
				Time:          appt.Time,
				Notes:         appt.Notes,
			})
		},
		Recorder: r.Metrics,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("tool broker: %w", err)
	}

	instruction := calls.Instruction(contact, r.Settings.SystemInstruction) + r.recentContext(ctx, contact.ID, log)

	started := time.Now()
	sess, err := live.New(live.Config{
		Params: live.SessionParameters{
			Model:             r.Settings.Model,
			Voice:             r.Settings.Voice,
			SystemInstruction: instruction,
			Tools:             tools.Declarations(),
		},
		Capture:      device,
		Output:       device,
		Dialer:       r.Dialer,
		Tools:        broker,
		ChunkSamples: r.Settings.ChunkSamples,
		Logger:       log,
		Recorder:     r.Metrics,
		Hooks: live.Hooks{
			OnLog: func(entry live.LogEntry) {
				r.Calls.AppendLog(c.ID, entry)
				emit(protocol.LogEvent{
					Type:    protocol.TypeLogEvent,
					CallID:  c.ID,
					Level:   string(entry.Level),
					Message: policy.Clean(entry.Message),
					TSMs:    entry.Time.UnixMilli(),
				})
			},
			OnStateChange: func(state live.State) {
				r.Calls.SetState(c.ID, state)
				if state == live.StateStreaming {
					r.Metrics.ObserveConnectLatency(time.Since(started))
				}
				status := ""
				if cur, err := r.Calls.Get(c.ID); err == nil {
					status = string(cur.Status)
				}
				emit(protocol.CallState{Type: protocol.TypeCallState, CallID: c.ID, State: string(state), Status: status})
			},
			OnClose: func(reason string, cause error) {
				ended, err := r.Calls.End(c.ID, cause)
				if err != nil && !errors.Is(err, calls.ErrCallEnded) {
					log.WithError(err).Warn("end call")
				}
				if ended != nil {
					r.Metrics.CallEnded(string(ended.Status))
					emit(protocol.CallState{Type: protocol.TypeCallState, CallID: c.ID, State: string(ended.State), Status: string(ended.Status)})
				}
				if cause != nil {
					emit(errorEvent(c.ID, cause))
				}
				log.WithField("reason", reason).Info("call session closed")
			},
		},
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.Calls.Attach(c.ID, func() {
		cancel()
		_ = sess.Stop()
	}); err != nil {
		return err
	}

	r.Metrics.CallStarted()
	if err := sess.Start(runCtx); err != nil {
		log.WithError(err).Warn("call session failed to start")
		return err
	}

	select {
	case <-sess.Done():
	case <-runCtx.Done():
		if err := sess.Stop(); err != nil {
			log.WithError(err).Warn("call teardown")
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer drainCancel()
	if err := sess.Wait(drainCtx); err != nil {
		log.WithError(err).Warn("tool calls still in flight after close")
	}
	return sess.Err()
}

func (r *CallRunner) recentContext(ctx context.Context, contactID string, log logrus.FieldLogger) string {
	if r.History == nil || r.Settings.HistoryLimit <= 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	outcomes, err := r.History.RecentOutcomes(ctx, contactID, r.Settings.HistoryLimit)
	if err != nil {
		log.WithError(err).Warn("load call history")
		return ""
	}
	return memory.ContextPrompt(outcomes)
}

func errorEvent(callID string, err error) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		CallID: callID,
		Code:   "session_failed",
		Source: "session",
		Detail: policy.Clean(err.Error()),
	}
	var capErr *live.CaptureError
	var trErr *live.TransportError
	switch {
	case errors.As(err, &capErr):
		ev.Code = "capture_" + string(capErr.Kind)
		ev.Source = "capture"
	case errors.As(err, &trErr):
		ev.Code = "transport_" + trErr.Op
		ev.Source = "transport"
		ev.Retryable = true
	}
	return ev
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/booking"
)

const DefaultResultCap = 10

// Call is one tool invocation requested by the model. ID is echoed in the response.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Response answers exactly one Call. Exactly one of Result and Error is set.
type Response struct {
	ID     string
	Name   string
	Result map[string]any
	Error  string
}

func (r Response) Failed() bool { return r.Error != "" }

// Customer identifies who the booking is made for.
type Customer struct {
	Name  string
	Phone string
}

// Recorder receives per-call outcome and latency.
type Recorder interface {
	ObserveToolCall(tool, outcome string, latency time.Duration)
}

const (
	OutcomeOK              = "ok"
	OutcomeInvalid         = "invalid"
	OutcomeCollaboratorErr = "collaborator_error"
	OutcomeUnknownTool     = "unknown_tool"
	OutcomePanic           = "panic"
)

type Options struct {
	Customer  Customer
	ResultCap int
	// OnBooked fires after a successful booking, before the response is returned.
	OnBooked func(booking.Appointment)
	Recorder Recorder
	Logger   logrus.FieldLogger
}

// Broker dispatches tool calls to the booking collaborator.
type Broker struct {
	svc       booking.Service
	customer  Customer
	resultCap int
	onBooked  func(booking.Appointment)
	recorder  Recorder
	log       logrus.FieldLogger
	validator *validator
}

func NewBroker(svc booking.Service, opts Options) (*Broker, error) {
	if svc == nil {
		return nil, errors.New("booking service is required")
	}
	v, err := newValidator(declarations)
	if err != nil {
		return nil, err
	}
	if opts.ResultCap <= 0 {
		opts.ResultCap = DefaultResultCap
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Broker{
		svc:       svc,
		customer:  opts.Customer,
		resultCap: opts.ResultCap,
		onBooked:  opts.OnBooked,
		recorder:  opts.Recorder,
		log:       opts.Logger,
		validator: v,
	}, nil
}

type toolError struct {
	outcome string
	msg     string
}

func (e *toolError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &toolError{outcome: OutcomeInvalid, msg: fmt.Sprintf(format, args...)}
}

func collaborator(msg string) error {
	return &toolError{outcome: OutcomeCollaboratorErr, msg: msg}
}

// Handle runs one call to completion and always returns a response carrying the
// call's id. Validation and collaborator failures, and panics, become error
// responses.
func (b *Broker) Handle(ctx context.Context, call Call) (resp Response) {
	started := time.Now()
	resp = Response{ID: call.ID, Name: call.Name}
	outcome := OutcomeOK
	log := b.log.WithFields(logrus.Fields{"tool": call.Name, "call_id": call.ID})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("tool call panicked")
			outcome = OutcomePanic
			resp = Response{ID: call.ID, Name: call.Name, Error: fmt.Sprintf("internal error while running %s", call.Name)}
		}
		if b.recorder != nil {
			b.recorder.ObserveToolCall(metricName(call.Name), outcome, time.Since(started))
		}
	}()

	result, err := b.dispatch(ctx, call)
	if err != nil {
		var te *toolError
		if errors.As(err, &te) {
			outcome = te.outcome
		} else {
			outcome = OutcomeCollaboratorErr
		}
		log.WithField("outcome", outcome).WithError(err).Warn("tool call failed")
		resp.Error = err.Error()
		return resp
	}
	log.Info("tool call completed")
	resp.Result = result
	return resp
}

func metricName(name string) string {
	if canonical, ok := Canonical(name); ok {
		return canonical
	}
	return "unknown"
}

func (b *Broker) dispatch(ctx context.Context, call Call) (map[string]any, error) {
	name, ok := Canonical(call.Name)
	if !ok {
		return nil, &toolError{outcome: OutcomeUnknownTool, msg: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	args := normalizeArgs(call.Args)
	if err := b.validator.validate(name, args); err != nil {
		return nil, invalid("%s: %v", name, err)
	}

	switch name {
	case CheckAvailability:
		return b.checkAvailability(ctx, args)
	case BookAppointment:
		return b.book(ctx, args)
	case CancelAppointment:
		return b.cancel(ctx, args)
	}
	return nil, &toolError{outcome: OutcomeUnknownTool, msg: fmt.Sprintf("unknown tool %q", call.Name)}
}

func (b *Broker) checkAvailability(ctx context.Context, args map[string]any) (map[string]any, error) {
	date := stringArg(args, "date")
	if date != "" && !booking.ValidDate(date) {
		return nil, invalid("date %q must be in YYYY-MM-DD format", date)
	}

	slots, err := b.svc.ListAvailableSlots(ctx)
	if err != nil {
		return nil, collaborator(fmt.Sprintf("could not load available slots: %v", err))
	}

	entries := make([]map[string]any, 0, b.resultCap)
	total := 0
	for _, s := range slots {
		if date != "" && s.Date != date {
			continue
		}
		total++
		if len(entries) < b.resultCap {
			entries = append(entries, map[string]any{"id": s.ID, "date": s.Date, "time": s.StartTime})
		}
	}

	result := map[string]any{
		"slots": entries,
		"count": len(entries),
		"total": total,
	}
	if total == 0 {
		if date != "" {
			result["message"] = fmt.Sprintf("no available slots on %s", date)
		} else {
			result["message"] = "no available slots"
		}
	}
	return result, nil
}

func (b *Broker) book(ctx context.Context, args map[string]any) (map[string]any, error) {
	slotID, hasSlot, err := idArg(args, "slotId")
	if err != nil {
		return nil, err
	}

	if !hasSlot {
		date := stringArg(args, "date")
		rawTime := stringArg(args, "time")
		if date == "" || rawTime == "" {
			return nil, invalid("either slotId or both date and time are required")
		}
		if !booking.ValidDate(date) {
			return nil, invalid("date %q must be in YYYY-MM-DD format", date)
		}
		hhmm, ok := booking.NormalizeTime(rawTime)
		if !ok {
			return nil, invalid("time %q must be in HH:MM format", rawTime)
		}

		slots, err := b.svc.ListAvailableSlots(ctx)
		if err != nil {
			return nil, collaborator(fmt.Sprintf("could not load available slots: %v", err))
		}
		for _, s := range slots {
			if s.Date == date && s.StartTime == hhmm {
				slotID = s.ID
				hasSlot = true
				break
			}
		}
		if !hasSlot {
			return nil, collaborator(fmt.Sprintf("no available slot on %s at %s", date, hhmm))
		}
	}

	name := strings.TrimSpace(b.customer.Name)
	if name == "" {
		name = "Caller"
	}
	appt, err := b.svc.CreateAppointment(ctx, booking.CreateInput{
		SlotID:        slotID,
		CustomerName:  name,
		CustomerPhone: b.customer.Phone,
		Notes:         stringArg(args, "notes"),
	})
	switch {
	case errors.Is(err, booking.ErrSlotFull):
		return nil, collaborator(fmt.Sprintf("slot %d is no longer available", slotID))
	case errors.Is(err, booking.ErrSlotNotFound):
		return nil, collaborator(fmt.Sprintf("slot %d does not exist", slotID))
	case err != nil:
		return nil, collaborator(fmt.Sprintf("booking failed: %v", err))
	}

	if b.onBooked != nil {
		b.onBooked(appt)
	}
	return map[string]any{
		"success":       true,
		"appointmentId": appt.ID,
		"slotId":        appt.SlotID,
		"date":          appt.Date,
		"time":          appt.Time,
		"status":        appt.Status,
	}, nil
}

func (b *Broker) cancel(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, ok, err := idArg(args, "appointmentId")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalid("appointmentId is required")
	}

	appt, err := b.svc.CancelAppointment(ctx, id)
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound):
		return nil, collaborator(fmt.Sprintf("appointment %d not found", id))
	case errors.Is(err, booking.ErrAlreadyCancelled):
		return nil, collaborator(fmt.Sprintf("appointment %d is already cancelled", id))
	case err != nil:
		return nil, collaborator(fmt.Sprintf("cancellation failed: %v", err))
	}

	result := map[string]any{
		"success":       true,
		"appointmentId": appt.ID,
		"status":        appt.Status,
	}
	if reason := stringArg(args, "reason"); reason != "" {
		result["reason"] = reason
	}
	return result, nil
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// idArg reads a positive integer id that may arrive as a JSON number or a
// decimal string.
func idArg(args map[string]any, key string) (int64, bool, error) {
	v, ok := args[key]
	if !ok {
		return 0, false, nil
	}
	var id int64
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false, invalid("%s must be an integer", key)
		}
		id = int64(n)
	case int:
		id = int64(n)
	case int64:
		id = n
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, false, invalid("%s must be an integer", key)
		}
		id = parsed
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, false, nil
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false, invalid("%s must be an integer", key)
		}
		id = parsed
	default:
		return 0, false, invalid("%s must be an integer", key)
	}
	if id <= 0 {
		return 0, false, invalid("%s must be positive", key)
	}
	return id, true, nil
}

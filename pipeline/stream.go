package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vinizap/lumi/mirror/domain"
	"github.com/vinizap/lumi/mirror/metrics"
)

// stream delivers the events of one operation in emission order. When the
// consumer goes away later events are dropped; the operation itself keeps
// running.
type stream struct {
	out      chan domain.Event
	gone     <-chan struct{}
	detached bool
}

func newStream(consumer context.Context) *stream {
	return &stream{out: make(chan domain.Event), gone: consumer.Done()}
}

func (s *stream) send(ev domain.Event) {
	if s.detached {
		return
	}
	select {
	case s.out <- ev:
	case <-s.gone:
		s.detached = true
	}
}

// run is the state of one import or refetch.
type run struct {
	ctx     context.Context
	kind    string
	id      string
	log     zerolog.Logger
	s       *stream
	steps   []domain.Step
	index   int
	started map[domain.Step]time.Time
}

// skipError makes a non-critical step report skip with its message.
type skipError struct{ reason string }

func (e skipError) Error() string { return e.reason }

func skip(reason string) error { return skipError{reason: reason} }

type stepFunc func() (domain.Payload, string, error)

func (r *run) emit(step domain.Step, status domain.Status, msg string, data domain.Payload) {
	ev := domain.Event{
		Step:     step,
		Status:   status,
		Message:  msg,
		Data:     data,
		Progress: &domain.Progress{Current: r.index + 1, Total: len(r.steps)},
	}
	if status == domain.StatusComplete || status == domain.StatusSkip {
		r.index++
	}

	if status == domain.StatusStart {
		r.started[step] = time.Now()
	} else if t, ok := r.started[step]; ok {
		metrics.RecordStep(string(step), string(status), time.Since(t))
	} else {
		metrics.RecordStep(string(step), string(status), 0)
	}
	r.log.Debug().Str("step", string(step)).Str("status", string(status)).Msg(msg)
	r.s.send(ev)
}

func (r *run) start(step domain.Step, msg string) {
	r.emit(step, domain.StatusStart, msg, nil)
}

func (r *run) complete(step domain.Step, msg string, data domain.Payload) {
	r.emit(step, domain.StatusComplete, msg, data)
}

func (r *run) skip(step domain.Step, msg string) {
	r.emit(step, domain.StatusSkip, msg, nil)
}

// critical runs a step whose failure aborts the operation.
func (r *run) critical(step domain.Step, startMsg string, fn stepFunc) error {
	r.start(step, startMsg)
	data, msg, err := fn()
	if err != nil {
		r.emit(step, domain.StatusError, err.Error(), nil)
		return fmt.Errorf("%s: %w", step, err)
	}
	r.complete(step, msg, data)
	return nil
}

// optional runs a non-critical step. Any failure is reported as skip and the
// operation continues.
func (r *run) optional(step domain.Step, startMsg string, fn stepFunc) bool {
	r.start(step, startMsg)
	data, msg, err := fn()
	var s skipError
	switch {
	case errors.As(err, &s):
		r.skip(step, s.reason)
		return false
	case err != nil:
		r.log.Warn().Err(err).Str("step", string(step)).Msg("non-critical step failed")
		r.skip(step, fmt.Sprintf("%s skipped: %v", step, err))
		return false
	}
	r.complete(step, msg, data)
	return true
}

func (r *run) done(payload domain.DonePayload) {
	r.s.send(domain.Event{
		Step:    domain.StepDone,
		Status:  domain.StatusComplete,
		Message: domain.DoneMessage,
		Data:    payload,
	})
}

func (r *run) fail(err error) {
	r.s.send(domain.Event{
		Step:    domain.StepError,
		Status:  domain.StatusError,
		Message: err.Error(),
	})
}

// Collect drains events until the stream closes and returns them with the
// outcome of the operation.
func Collect(events <-chan domain.Event) ([]domain.Event, domain.DonePayload, error) {
	var all []domain.Event
	var result domain.DonePayload
	var err error
	for ev := range events {
		all = append(all, ev)
		switch ev.Step {
		case domain.StepDone:
			if p, ok := ev.Data.(domain.DonePayload); ok {
				result = p
			}
		case domain.StepError:
			result.Outcome = domain.OutcomeError
			err = errors.New(ev.Message)
		}
	}
	return all, result, err
}

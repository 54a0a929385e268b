// Package jobs is a small in-process job queue. Job arguments are JSON and
// are validated against the schema registered with the job name before the
// job is accepted.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"horse.fit/similarity/internal/globaltime"
	"horse.fit/similarity/internal/work"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrInvalidArgs  = errors.New("invalid job arguments")
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already registered")
)

const finishedRetention = time.Hour

type Handler func(ctx context.Context, args json.RawMessage) error

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

type Status struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type registration struct {
	schema  *jsonschema.Schema
	handler Handler
}

type Queue struct {
	workers *work.Pool
	logger  zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]registration
	statuses map[string]*Status
}

func NewQueue(workers *work.Pool, logger zerolog.Logger) *Queue {
	return &Queue{
		workers:  workers,
		logger:   logger.With().Str("component", "jobs").Logger(),
		handlers: make(map[string]registration),
		statuses: make(map[string]*Status),
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.workers.Start(ctx)
}

// Stop finishes accepted jobs and stops the workers.
func (q *Queue) Stop() {
	q.workers.Stop()
}

func (q *Queue) Wait() {
	q.workers.Wait()
}

// Register binds name to a handler. schemaJSON is a JSON Schema (draft
// 2020-12) document for the job arguments; an empty schema accepts any JSON.
func (q *Queue) Register(name, schemaJSON string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if handler == nil {
		return fmt.Errorf("job %q has no handler", name)
	}

	var schema *jsonschema.Schema
	if strings.TrimSpace(schemaJSON) != "" {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		resource := name + ".schema.json"
		if err := compiler.AddResource(resource, strings.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("add schema for job %q: %w", name, err)
		}
		compiled, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("compile schema for job %q: %w", name, err)
		}
		schema = compiled
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	q.handlers[name] = registration{schema: schema, handler: handler}
	return nil
}

// Enqueue validates args and schedules the job. It does not block when the
// queue is full; work.ErrQueueFull is returned instead.
func (q *Queue) Enqueue(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.RLock()
	reg, ok := q.handlers[name]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(reg.schema, args); err != nil {
		return "", fmt.Errorf("%w for %s: %v", ErrInvalidArgs, name, err)
	}

	id := uuid.NewString()
	status := &Status{ID: id, Name: name, State: StateQueued, EnqueuedAt: globaltime.UTC()}

	q.mu.Lock()
	q.pruneLocked()
	q.statuses[id] = status
	q.mu.Unlock()

	payload := append(json.RawMessage(nil), args...)
	err := q.workers.TrySubmit(work.Task{
		Name: name + " " + id,
		Run: func(ctx context.Context) error {
			return q.run(ctx, id, reg.handler, payload)
		},
	})
	if err != nil {
		q.mu.Lock()
		delete(q.statuses, id)
		q.mu.Unlock()
		return "", err
	}

	q.logger.Debug().Str("job_id", id).Str("job", name).Msg("job enqueued")
	return id, nil
}

// Status returns a snapshot of a job. Finished jobs are forgotten after an
// hour.
func (q *Queue) Status(id string) (Status, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	st, ok := q.statuses[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *st, nil
}

func (q *Queue) Names() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		out = append(out, name)
	}
	return out
}

func (q *Queue) run(ctx context.Context, id string, handler Handler, args json.RawMessage) error {
	started := globaltime.UTC()
	q.update(id, func(st *Status) {
		st.State = StateRunning
		st.StartedAt = &started
	})

	err := handler(ctx, args)

	finished := globaltime.UTC()
	q.update(id, func(st *Status) {
		st.FinishedAt = &finished
		if err != nil {
			st.State = StateFailed
			st.Error = err.Error()
			return
		}
		st.State = StateSucceeded
	})
	return err
}

func (q *Queue) update(id string, fn func(*Status)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.statuses[id]; ok {
		fn(st)
	}
}

func (q *Queue) pruneLocked() {
	for id, st := range q.statuses {
		if st.FinishedAt != nil && globaltime.Since(*st.FinishedAt) > finishedRetention {
			delete(q.statuses, id)
		}
	}
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	value, err := decodeStrictJSON(args)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(value)
}

func decodeStrictJSON(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("arguments contain trailing content")
	}
	return value, nil
}

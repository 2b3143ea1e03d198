// Package schedule starts workflow instances on cron schedules.
//
// Every tick maps to a deterministic instance ID derived from the entry name
// and the scheduled slot time, so a tick that is delivered twice (or by two
// processes sharing a store) starts at most one instance.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/petrijr/reelflow/pkg/api"
)

// SlotLayout formats the slot time inside generated instance IDs.
const SlotLayout = "20060102T150405Z"

// Entry is one configured schedule.
type Entry struct {
	Name     string
	Spec     string
	Workflow string
	Input    json.RawMessage
}

// Scheduler drives cron entries against an engine.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	engine api.Engine
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler. Specs accept an optional leading seconds field
// and descriptors such as @every 1m.
func New(eng api.Engine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		engine:  eng,
		clock:   clock.New(),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers an entry. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" || e.Workflow == "" {
		return errors.New("schedule: name and workflow are required")
	}
	if len(e.Input) > 0 && !json.Valid(e.Input) {
		return fmt.Errorf("schedule %s: input is not valid JSON", e.Name)
	}
	sched, err := s.parser.Parse(e.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", e.Name, e.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Name]; exists {
		return fmt.Errorf("schedule %s: already registered", e.Name)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	s.entries[e.Name] = id

	s.logger.Info("schedule registered",
		zap.String("schedule", e.Name),
		zap.String("cron", e.Spec),
		zap.String("workflow", e.Workflow),
	)
	return nil
}

// Remove unregisters the named entry.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule %s: not registered", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// Names returns the registered entry names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and returns a context that is done once running
// ticks have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) fire(e Entry) {
	slot := s.slotFor(e.Name)
	if _, err := s.Trigger(context.Background(), e, slot); err != nil {
		s.logger.Error("scheduled start failed",
			zap.String("schedule", e.Name),
			zap.Time("slot", slot),
			zap.Error(err),
		)
	}
}

// slotFor returns the scheduled time of the tick being run. cron sets Prev
// to the scheduled time right before starting the job.
func (s *Scheduler) slotFor(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if ok {
		if prev := s.cron.Entry(id).Prev; !prev.IsZero() {
			return prev
		}
	}
	return s.clock.Now().Truncate(time.Second)
}

// InstanceID returns the instance ID used for the tick of entry name at slot.
func InstanceID(name string, slot time.Time) string {
	return name + "-" + slot.UTC().Format(SlotLayout)
}

// Trigger starts the entry's workflow for slot. A tick whose instance
// already exists is not an error; the existing instance is returned.
func (s *Scheduler) Trigger(ctx context.Context, e Entry, slot time.Time) (*api.Instance, error) {
	var input any
	if len(e.Input) > 0 {
		input = e.Input
	}
	id := InstanceID(e.Name, slot)
	inst, err := s.engine.Start(ctx, e.Workflow, input, api.WithInstanceID(id))
	if errors.Is(err, api.ErrInstanceExists) {
		s.logger.Debug("scheduled tick already started",
			zap.String("schedule", e.Name),
			zap.String("instance_id", id),
		)
		return inst, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start %s for schedule %s: %w", e.Workflow, e.Name, err)
	}
	s.logger.Info("scheduled instance started",
		zap.String("schedule", e.Name),
		zap.String("workflow", e.Workflow),
		zap.String("instance_id", inst.ID),
	)
	return inst, nil
}

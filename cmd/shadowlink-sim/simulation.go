package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/shadowlink/shadowlink-go/pkg/shadow"
	"github.com/shadowlink/shadowlink-go/pkg/transport"
)

// Simulation defaults.
const (
	defaultStartTemp = 20.0
	defaultStep      = 0.5
)

// shadowStore is the part of transport.Server the simulation uses.
type shadowStore interface {
	Document(thing string) (transport.Document, bool)
	Update(ctx context.Context, thing string, payload []byte) ([]byte, error)
}

// Simulation drives the reported state of simulated thermostats. Each
// tick a thermostat acknowledges its desired target and moves its
// current temperature one step towards it.
type Simulation struct {
	store  shadowStore
	things []string
	step   float64
	logger *slog.Logger

	wake chan struct{}
}

// NewSimulation creates a simulation for things.
func NewSimulation(store shadowStore, things []string, logger *slog.Logger) *Simulation {
	return &Simulation{
		store:  store,
		things: things,
		step:   defaultStep,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Seed reports the starting temperatures of things without a document.
func (s *Simulation) Seed(ctx context.Context) error {
	for _, thing := range s.things {
		if _, ok := s.store.Document(thing); ok {
			continue
		}
		if err := s.report(ctx, thing, defaultStartTemp, defaultStartTemp); err != nil {
			return err
		}
	}
	return nil
}

// Notify wakes the simulation early. It never blocks, so it is safe to
// call from transport.Server.OnUpdate.
func (s *Simulation) Notify(thing string, doc transport.Document) {
	if _, ok := doc.Delta()[shadow.FieldTargetTemp]; !ok {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks every interval until ctx ends.
func (s *Simulation) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.Tick(ctx)
	}
}

// Tick advances every thermostat once.
func (s *Simulation) Tick(ctx context.Context) {
	for _, thing := range s.things {
		if err := s.advance(ctx, thing); err != nil {
			s.logger.Warn("[SIM] update failed", "thing", thing, "error", err)
		}
	}
}

func (s *Simulation) advance(ctx context.Context, thing string) error {
	doc, ok := s.store.Document(thing)
	if !ok {
		return nil
	}

	target, hasTarget := number(doc.Desired, shadow.FieldTargetTemp)
	reportedTarget, _ := number(doc.Reported, shadow.FieldTargetTemp)
	current, hasCurrent := number(doc.Reported, shadow.FieldCurrentTemp)
	if !hasTarget {
		target = reportedTarget
	}
	if !hasCurrent {
		current = defaultStartTemp
	}

	next := approach(current, target, s.step)
	if next == current && reportedTarget == target && hasCurrent {
		return nil
	}
	if err := s.report(ctx, thing, target, next); err != nil {
		return err
	}
	s.logger.Info("[SIM] thermostat", "thing", thing, "target", target, "current", next)
	return nil
}

func (s *Simulation) report(ctx context.Context, thing string, target, current float64) error {
	payload, err := json.Marshal(map[string]any{
		"state": map[string]any{
			"reported": map[string]any{
				shadow.FieldTargetTemp:  target,
				shadow.FieldCurrentTemp: current,
			},
		},
	})
	if err != nil {
		return err
	}
	_, err = s.store.Update(ctx, thing, payload)
	return err
}

// approach moves from towards to by at most step.
func approach(from, to, step float64) float64 {
	diff := to - from
	if math.Abs(diff) <= step {
		return to
	}
	return from + math.Copysign(step, diff)
}

func number(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

package shadow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/shadowlink/shadowlink-go/pkg/log"
)

// Config configures a Reconciler.
type Config struct {
	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Trace receives protocol events.
	Trace log.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler owns the shadow state of every device.
type Reconciler struct {
	mu sync.RWMutex

	devices map[string]*State
	updater Updater

	logger *slog.Logger
	trace  log.Logger
	now    func() time.Time

	onChange func(State)
}

// NewReconciler creates a reconciler sending desired changes through updater.
// A nil updater keeps edits local.
func NewReconciler(updater Updater, config Config) *Reconciler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Reconciler{
		devices: make(map[string]*State),
		updater: updater,
		logger:  config.Logger,
		trace:   log.OrNoop(config.Trace),
		now:     config.Now,
	}
}

// RequestDesiredChange rounds desired, stores it optimistically and sends
// an update carrying only target_temp. The rounded value is returned. A
// send failure is logged and returned but the local value is kept.
func (r *Reconciler) RequestDesiredChange(ctx context.Context, deviceID string, desired float64) (float64, error) {
	if deviceID == "" {
		return 0, ErrInvalidDevice
	}
	if math.IsNaN(desired) || math.IsInf(desired, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidValue, desired)
	}

	target := Round(desired)

	r.mu.Lock()
	st := r.deviceLocked(deviceID)
	st.DesiredTemp = target
	st.LastUpdateSource = SourceLocal
	st.LastUpdateTimestamp = r.now()
	snap := st.Clone()
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb(snap)
	}

	payload, err := desiredPayload(target)
	if err != nil {
		return target, err
	}
	r.trace.Log(log.Event{
		Timestamp: r.now(),
		Direction: log.DirectionOut,
		Layer:     log.LayerShadow,
		Category:  log.CategoryMessage,
		DeviceID:  deviceID,
		Shadow:    log.NewShadowEvent(OpUpdate.String(), "", payload),
	})

	if r.updater == nil {
		return target, nil
	}
	if err := r.updater.UpdateShadow(ctx, deviceID, payload); err != nil {
		r.logger.Warn("shadow update failed", "device", deviceID, "target", target, "error", err)
		return target, fmt.Errorf("update %s: %w", deviceID, err)
	}
	return target, nil
}

// OnShadowEvent applies one notification. Irrelevant, stale and malformed
// events leave state unchanged and are only logged.
func (r *Reconciler) OnShadowEvent(deviceID string, op Operation, status Status, payload []byte) {
	ev := log.NewShadowEvent(op.String(), status.String(), payload)
	defer func() {
		r.trace.Log(log.Event{
			Timestamp: r.now(),
			Direction: log.DirectionIn,
			Layer:     log.LayerShadow,
			Category:  log.CategoryMessage,
			DeviceID:  deviceID,
			Shadow:    ev,
		})
	}()

	if deviceID == "" {
		r.logger.Debug("shadow event without device", "op", op, "status", status)
		return
	}

	if op == OpDelete && status == StatusAccepted {
		r.remove(deviceID)
		ev.Applied = true
		return
	}

	source, relevant := sourceFor(op, status)
	if !relevant {
		r.logger.Debug("shadow event ignored", "device", deviceID, "op", op, "status", status)
		return
	}

	rd, err := extract(status, payload)
	if err != nil {
		r.logger.Warn("shadow payload dropped", "device", deviceID, "op", op, "status", status, "error", err)
		r.traceError(deviceID, err, op, status)
		return
	}

	r.mu.Lock()
	st := r.deviceLocked(deviceID)
	if rd.version > 0 && rd.version < st.Version {
		current := st.Version
		r.mu.Unlock()
		r.logger.Debug("stale shadow document", "device", deviceID, "version", rd.version, "current", current)
		return
	}
	if rd.target != nil {
		st.DesiredTemp = *rd.target
	}
	if rd.current != nil {
		v := *rd.current
		st.ReportedTemp = &v
	}
	if rd.version > st.Version {
		st.Version = rd.version
	}
	st.LastUpdateSource = source
	st.LastUpdateTimestamp = r.now()
	snap := st.Clone()
	cb := r.onChange
	r.mu.Unlock()

	ev.Applied = true
	if cb != nil {
		cb(snap)
	}
}

// sourceFor reports whether op/status carries state and which source it is.
func sourceFor(op Operation, status Status) (Source, bool) {
	switch {
	case op == OpGet && status == StatusAccepted:
		return SourceGet, true
	case op == OpGet && status == StatusForeignUpdate:
		return SourceGet, true
	case op == OpUpdate && (status == StatusAccepted || status == StatusForeignUpdate):
		return SourceUpdate, true
	case op == OpUpdate && status == StatusDelta:
		return SourceDelta, true
	case op == OpUpdate && status == StatusDocuments:
		return SourceDocuments, true
	default:
		return SourceNone, false
	}
}

func (r *Reconciler) traceError(deviceID string, err error, op Operation, status Status) {
	kind := "Unknown"
	if errors.Is(err, ErrMalformedPayload) {
		kind = "MalformedPayload"
	}
	r.trace.Log(log.Event{
		Timestamp: r.now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerShadow,
		Category:  log.CategoryError,
		DeviceID:  deviceID,
		Error: &log.ErrorEventData{
			Layer:   log.LayerShadow,
			Message: err.Error(),
			Kind:    kind,
			Context: op.String() + "/" + status.String(),
		},
	})
}

// deviceLocked returns the state for deviceID, creating it if needed.
func (r *Reconciler) deviceLocked(deviceID string) *State {
	st, ok := r.devices[deviceID]
	if !ok {
		st = &State{DeviceID: deviceID}
		r.devices[deviceID] = st
	}
	return st
}

func (r *Reconciler) remove(deviceID string) {
	r.mu.Lock()
	_, existed := r.devices[deviceID]
	delete(r.devices, deviceID)
	r.mu.Unlock()

	if existed {
		r.logger.Info("shadow deleted", "device", deviceID)
	}
}

// Snapshot returns a copy of the device state.
func (r *Reconciler) Snapshot(deviceID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.devices[deviceID]
	if !ok {
		return State{}, false
	}
	return st.Clone(), true
}

// Snapshots returns copies of every device state, ordered by device ID.
func (r *Reconciler) Snapshots() []State {
	r.mu.RLock()
	out := make([]State, 0, len(r.devices))
	for _, st := range r.devices {
		out = append(out, st.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b State) int {
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

// Devices returns the known device IDs in order.
func (r *Reconciler) Devices() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Restore seeds state for devices not yet known, typically from a
// persisted snapshot. Live state always wins.
func (r *Reconciler) Restore(states []State) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, st := range states {
		if st.DeviceID == "" {
			continue
		}
		if _, ok := r.devices[st.DeviceID]; ok {
			continue
		}
		c := st.Clone()
		r.devices[st.DeviceID] = &c
		n++
	}
	return n
}

// OnChange sets a callback invoked with a copy of the state after every
// applied change.
func (r *Reconciler) OnChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

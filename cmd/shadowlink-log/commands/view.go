// Package commands implements the shadowlink-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shadowlink/shadowlink-go/pkg/log"
)

// timeFormat is used for every timestamp the tool prints.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// maxPayloadShown bounds the payload bytes printed by view.
const maxPayloadShown = 256

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	Username  string
	DeviceID  string

	// Payload narrows by what the events carry.
	Payload log.Filter
}

func (f ViewFilter) logFilter() log.Filter {
	filter := f.Payload
	filter.Layer = f.Layer
	filter.Direction = f.Direction
	filter.Category = f.Category
	filter.Username = f.Username
	filter.DeviceID = f.DeviceID
	return filter
}

// eventType returns the label for the payload an event carries.
func eventType(event log.Event) string {
	switch {
	case event.Challenge != nil:
		return "Challenge"
	case event.Shadow != nil:
		return "Shadow"
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [session:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format(timeFormat)
	fmt.Fprintf(w, "%s [session:%s] %-5s %s %s\n",
		ts, shortenID(event.SessionID), event.Direction.String(), event.Layer.String(), eventType(event))

	if event.Username != "" {
		fmt.Fprintf(w, "  User: %s\n", event.Username)
	}
	if event.DeviceID != "" {
		fmt.Fprintf(w, "  Device: %s\n", event.DeviceID)
	}

	switch {
	case event.Challenge != nil:
		formatChallengeDetails(w, event.Challenge)
	case event.Shadow != nil:
		formatShadowDetails(w, event.Shadow)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w) // Blank line between events
}

// shortenID returns the first 8 characters of a session ID.
func shortenID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatChallengeDetails(w io.Writer, ch *log.ChallengeEvent) {
	fmt.Fprintf(w, "  Round: %d", ch.Round)
	if ch.Automatic {
		fmt.Fprint(w, " (automatic)")
	}
	fmt.Fprintln(w)
	if len(ch.Keys) > 0 {
		fmt.Fprintf(w, "  Keys: %s\n", strings.Join(ch.Keys, ", "))
	}
}

func formatShadowDetails(w io.Writer, sh *log.ShadowEvent) {
	if sh.Status != "" {
		fmt.Fprintf(w, "  Operation: %s/%s\n", sh.Operation, sh.Status)
	} else {
		fmt.Fprintf(w, "  Operation: %s\n", sh.Operation)
	}
	fmt.Fprintf(w, "  Size: %d bytes", sh.Size)
	if sh.Applied {
		fmt.Fprint(w, " (applied)")
	}
	fmt.Fprintln(w)
	if len(sh.Payload) > 0 {
		payload := sh.Payload
		cut := sh.Truncated
		if len(payload) > maxPayloadShown {
			payload = payload[:maxPayloadShown]
			cut = true
		}
		fmt.Fprintf(w, "  Payload: %s", payload)
		if cut {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

// formatStateChangeDetails writes state change details.
func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

// formatErrorDetails writes error details.
func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Kind != "" {
		fmt.Fprintf(w, "  Kind: %s\n", err.Kind)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "auth":
		return log.LayerAuth, nil
	case "shadow":
		return log.LayerShadow, nil
	case "connection", "conn":
		return log.LayerConnection, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be auth, shadow or connection)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	case "local":
		return log.DirectionLocal, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in, out or local)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state or error)", s)
	}
}

// ParseEntityFlag parses a state entity flag value.
func ParseEntityFlag(s string) (log.StateEntity, error) {
	switch strings.ToLower(s) {
	case "session":
		return log.StateEntitySession, nil
	case "connection", "conn":
		return log.StateEntityConnection, nil
	case "device":
		return log.StateEntityDevice, nil
	default:
		return 0, fmt.Errorf("invalid entity: %s (must be session, connection or device)", s)
	}
}

// PayloadOptions are the payload criteria shared by view and filter, as
// given on the command line. Empty fields match everything.
type PayloadOptions struct {
	Entity    string
	Operation string
	Status    string
	Applied   string
	Automatic string
	ErrorKind string
}

// Apply sets the payload criteria on filter.
func (o PayloadOptions) Apply(filter *log.Filter) error {
	if o.Entity != "" {
		e, err := ParseEntityFlag(o.Entity)
		if err != nil {
			return err
		}
		filter.Entity = &e
	}
	filter.Operation = o.Operation
	filter.Status = o.Status
	filter.ErrorKind = o.ErrorKind

	if o.Applied != "" {
		v, err := strconv.ParseBool(o.Applied)
		if err != nil {
			return fmt.Errorf("invalid applied: %s (must be true or false)", o.Applied)
		}
		filter.Applied = &v
	}
	if o.Automatic != "" {
		v, err := strconv.ParseBool(o.Automatic)
		if err != nil {
			return fmt.Errorf("invalid automatic: %s (must be true or false)", o.Automatic)
		}
		filter.Automatic = &v
	}
	return nil
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.logFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for event, err := range reader.Events() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}

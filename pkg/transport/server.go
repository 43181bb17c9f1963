package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// Server errors.
var (
	ErrNoShadow        = errors.New("no shadow exists")
	ErrInvalidUpdate   = errors.New("invalid shadow update")
	ErrVersionConflict = errors.New("version conflict")
)

// DefaultWriteTimeout bounds one outbound frame.
const DefaultWriteTimeout = 5 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	WriteTimeout time.Duration
	Logger       *slog.Logger

	// Authenticate admits WebSocket clients. Nil admits everyone.
	Authenticate func(r *http.Request) error

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Server is an in-memory shadow service reachable over WebSocket and HTTP.
type Server struct {
	config ServerConfig
	logger *slog.Logger
	router *mux.Router

	// updateMu orders document changes with the notifications they cause.
	updateMu sync.Mutex

	mu       sync.Mutex
	docs     map[string]*document
	peers    map[*peer]struct{}
	onUpdate func(thing string, doc Document)
}

// Document is a snapshot of one shadow.
type Document struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
	Version  int64          `json:"version"`
	Updated  time.Time      `json:"-"`
}

// Delta returns the desired keys that differ from reported.
func (d Document) Delta() map[string]any {
	delta := make(map[string]any)
	for k, want := range d.Desired {
		if have, ok := d.Reported[k]; !ok || !reflect.DeepEqual(have, want) {
			delta[k] = want
		}
	}
	return delta
}

type document struct {
	desired  map[string]any
	reported map[string]any
	version  int64
	updated  time.Time
}

func (d *document) snapshot() Document {
	return Document{
		Desired:  cloneMap(d.desired),
		Reported: cloneMap(d.reported),
		Version:  d.version,
		Updated:  d.updated,
	}
}

// peer is one WebSocket client.
type peer struct {
	conn     *websocket.Conn
	clientID string
	things   map[string]bool
}

// NewServer creates a server with no documents.
func NewServer(config ServerConfig) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Server{
		config: config,
		logger: config.Logger,
		docs:   make(map[string]*document),
		peers:  make(map[*peer]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.handleWS).Methods("GET")
	r.HandleFunc("/things", s.handleThings).Methods("GET")
	r.HandleFunc("/things/{thing}/shadow", s.handleGet).Methods("GET")
	r.HandleFunc("/things/{thing}/shadow", s.handleUpdate).Methods("POST")
	r.HandleFunc("/things/{thing}/shadow", s.handleDelete).Methods("DELETE")
	s.router = r

	return s
}

// Router returns the server's router so callers can mount more routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// OnUpdate sets a callback invoked after every accepted update.
func (s *Server) OnUpdate(fn func(thing string, doc Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Document returns the current document of thing.
func (s *Server) Document(thing string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[thing]
	if !ok {
		return Document{}, false
	}
	return d.snapshot(), true
}

// Things returns every thing with a document, sorted.
func (s *Server) Things() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	things := make([]string, 0, len(s.docs))
	for t := range s.docs {
		things = append(things, t)
	}
	slices.Sort(things)
	return things
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// DropClients closes every WebSocket connection and returns how many
// were closed.
func (s *Server) DropClients() int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.conn.CloseNow()
	}
	return len(peers)
}

// Get returns the get/accepted body for thing.
func (s *Server) Get(thing string) ([]byte, error) {
	s.mu.Lock()
	d, ok := s.docs[thing]
	var snap Document
	if ok {
		snap = d.snapshot()
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoShadow, thing)
	}
	return json.Marshal(fullBody(snap))
}

// Update applies an update document to thing and notifies subscribers.
// It returns the update/accepted body.
func (s *Server) Update(ctx context.Context, thing string, payload []byte) ([]byte, error) {
	var req struct {
		State   map[string]json.RawMessage `json:"state"`
		Version *int64                     `json:"version"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if req.State == nil {
		return nil, fmt.Errorf("%w: missing required node: state", ErrInvalidUpdate)
	}

	var desired, reported map[string]any
	var clearDesired, clearReported bool
	if raw, ok := req.State["desired"]; ok {
		if string(raw) == "null" {
			clearDesired = true
		} else if err := json.Unmarshal(raw, &desired); err != nil {
			return nil, fmt.Errorf("%w: desired: %v", ErrInvalidUpdate, err)
		}
	}
	if raw, ok := req.State["reported"]; ok {
		if string(raw) == "null" {
			clearReported = true
		} else if err := json.Unmarshal(raw, &reported); err != nil {
			return nil, fmt.Errorf("%w: reported: %v", ErrInvalidUpdate, err)
		}
	}
	if desired == nil && reported == nil && !clearDesired && !clearReported {
		return nil, fmt.Errorf("%w: state has neither desired nor reported", ErrInvalidUpdate)
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	d, ok := s.docs[thing]
	if !ok {
		d = &document{}
	}
	if req.Version != nil && *req.Version != d.version {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, *req.Version, d.version)
	}
	s.docs[thing] = d

	previous := d.snapshot()
	if clearDesired {
		d.desired = nil
	}
	if clearReported {
		d.reported = nil
	}
	d.desired = merge(d.desired, desired)
	d.reported = merge(d.reported, reported)
	d.version++
	d.updated = s.config.Now()
	current := d.snapshot()
	subscribers := s.subscribersLocked(thing)
	cb := s.onUpdate
	s.mu.Unlock()

	state := make(map[string]any)
	if desired != nil || clearDesired {
		state["desired"] = desired
	}
	if reported != nil || clearReported {
		state["reported"] = reported
	}
	accepted, err := json.Marshal(map[string]any{
		"state":     state,
		"version":   current.Version,
		"timestamp": current.Updated.Unix(),
	})
	if err != nil {
		return nil, err
	}

	documents := map[string]any{
		"previous":  map[string]any{"state": stateBody(previous), "version": previous.Version},
		"current":   map[string]any{"state": stateBody(current), "version": current.Version},
		"timestamp": current.Updated.Unix(),
	}
	s.publish(ctx, subscribers, shadow.ResponseTopic(thing, shadow.OpUpdate, shadow.StatusDocuments), "", documents)

	if delta := current.Delta(); len(delta) > 0 {
		s.publish(ctx, subscribers, shadow.ResponseTopic(thing, shadow.OpUpdate, shadow.StatusDelta), "", map[string]any{
			"state":     delta,
			"version":   current.Version,
			"timestamp": current.Updated.Unix(),
		})
	}

	s.logger.Debug("shadow updated", "thing", thing, "version", current.Version)
	if cb != nil {
		cb(thing, current)
	}
	return accepted, nil
}

// Delete removes the document of thing and returns the delete/accepted body.
func (s *Server) Delete(thing string) ([]byte, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	d, ok := s.docs[thing]
	if ok {
		delete(s.docs, thing)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoShadow, thing)
	}
	return json.Marshal(map[string]any{
		"version":   d.version,
		"timestamp": s.config.Now().Unix(),
	})
}

func (s *Server) subscribersLocked(thing string) []*peer {
	var out []*peer
	for p := range s.peers {
		if p.things[thing] {
			out = append(out, p)
		}
	}
	return out
}

// publish sends body on topic to every peer in to.
func (s *Server) publish(ctx context.Context, to []*peer, topic, token string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("encoding notification", "topic", topic, "error", err)
		return
	}
	for _, p := range to {
		s.send(ctx, p, Envelope{Topic: topic, ClientToken: token, Payload: payload})
	}
}

func (s *Server) send(ctx context.Context, p *peer, env Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.logger.Error("encoding frame", "topic", env.Topic, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("write failed", "client", p.clientID, "topic", env.Topic, "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.config.Authenticate != nil {
		if err := s.config.Authenticate(r); err != nil {
			s.logger.Warn("websocket client rejected", "remote", r.RemoteAddr, "error", err)
			writeJSON(w, http.StatusUnauthorized, errorPayload{Code: http.StatusUnauthorized, Message: err.Error()})
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	p := &peer{
		conn:     conn,
		clientID: r.URL.Query().Get("clientId"),
		things:   make(map[string]bool),
	}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	s.logger.Info("client connected", "client", p.clientID, "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Info("client disconnected", "client", p.clientID, "reason", websocket.CloseStatus(err))
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn("dropping frame", "client", p.clientID, "error", err)
			continue
		}
		s.handleEnvelope(ctx, p, env)
	}
}

func (s *Server) handleEnvelope(ctx context.Context, p *peer, env Envelope) {
	switch env.Action {
	case ActionSubscribe:
		s.mu.Lock()
		p.things[env.Topic] = true
		s.mu.Unlock()
		return
	case ActionUnsubscribe:
		s.mu.Lock()
		delete(p.things, env.Topic)
		s.mu.Unlock()
		return
	}

	info, err := shadow.ParseTopic(env.Topic)
	if err != nil || !info.Request {
		s.logger.Debug("ignoring publish", "client", p.clientID, "topic", env.Topic)
		return
	}

	var body []byte
	switch info.Operation {
	case shadow.OpGet:
		body, err = s.Get(info.Thing)
	case shadow.OpUpdate:
		body, err = s.Update(ctx, info.Thing, env.Payload)
	case shadow.OpDelete:
		body, err = s.Delete(info.Thing)
	}

	status := shadow.StatusAccepted
	if err != nil {
		status = shadow.StatusRejected
		body, _ = json.Marshal(errorPayload{Code: errorCode(err), Message: err.Error()})
	}
	s.send(ctx, p, Envelope{
		Topic:       shadow.ResponseTopic(info.Thing, info.Operation, status),
		ClientToken: env.ClientToken,
		Payload:     body,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"things":  len(s.Things()),
		"clients": s.Clients(),
	})
}

func (s *Server) handleThings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Things())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	body, err := s.Get(mux.Vars(r)["thing"])
	writeResult(w, body, err)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, DefaultMaxMessageSize))
	if err != nil {
		writeResult(w, nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err))
		return
	}
	body, err := s.Update(r.Context(), mux.Vars(r)["thing"], payload)
	writeResult(w, body, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	body, err := s.Delete(mux.Vars(r)["thing"])
	writeResult(w, body, err)
}

func writeResult(w http.ResponseWriter, body []byte, err error) {
	if err != nil {
		code := errorCode(err)
		writeJSON(w, code, errorPayload{Code: code, Message: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrNoShadow):
		return http.StatusNotFound
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidUpdate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fullBody(d Document) map[string]any {
	state := stateBody(d)
	if delta := d.Delta(); len(delta) > 0 {
		state["delta"] = delta
	}
	return map[string]any{
		"state":     state,
		"version":   d.Version,
		"timestamp": d.Updated.Unix(),
	}
}

func stateBody(d Document) map[string]any {
	state := make(map[string]any)
	if d.Desired != nil {
		state["desired"] = d.Desired
	}
	if d.Reported != nil {
		state["reported"] = d.Reported
	}
	return state
}

// merge applies patch to base. Null values delete keys; nested objects
// merge recursively.
func merge(base, patch map[string]any) map[string]any {
	if patch == nil {
		return base
	}
	if base == nil {
		base = make(map[string]any)
	}
	for k, v := range patch {
		switch pv := v.(type) {
		case nil:
			delete(base, k)
		case map[string]any:
			sub, _ := base[k].(map[string]any)
			if merged := merge(sub, pv); merged != nil {
				base[k] = merged
			} else {
				delete(base, k)
			}
		default:
			base[k] = v
		}
	}
	if len(base) == 0 {
		return nil
	}
	return base
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			v = cloneMap(sub)
		}
		out[k] = v
	}
	return out
}

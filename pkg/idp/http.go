package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
)

// maxBodySize bounds request and response bodies of the auth API.
const maxBodySize = 64 << 10

type signUpRequest struct {
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type initiateRequest struct {
	Username string `json:"username"`
}

type respondRequest struct {
	Responses map[string]string `json:"responses"`
}

type identityJSON struct {
	Username        string            `json:"username"`
	IdentityID      string            `json:"identity_id"`
	IDToken         string            `json:"id_token"`
	AccessToken     string            `json:"access_token"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	AuthenticatedAt time.Time         `json:"authenticated_at"`
}

type errorJSON struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// authResult is the outcome of one initiate or respond call.
type authResult struct {
	ChallengeParameters map[string]string `json:"challenge_parameters,omitempty"`
	Identity            *identityJSON     `json:"identity,omitempty"`
	Error               *errorJSON        `json:"error,omitempty"`
}

// relay captures the provider's callbacks for one HTTP request. The
// provider calls back synchronously, so the request holding mu sees
// exactly its own outcome.
type relay struct {
	mu     sync.Mutex
	result authResult
}

func (r *relay) OnChallengeReceived(params challenge.Parameters) (*challenge.Challenge, error) {
	r.result = authResult{ChallengeParameters: params.Clone()}
	if r.result.ChallengeParameters == nil {
		r.result.ChallengeParameters = map[string]string{}
	}
	return challenge.New(params), nil
}

func (r *relay) OnStepError(err error) {
	r.result = authResult{Error: toErrorJSON(err)}
}

func (r *relay) OnCompleted(id customauth.Identity) {
	r.result = authResult{Identity: &identityJSON{
		Username:        id.Username,
		IdentityID:      id.IdentityID,
		IDToken:         id.IDToken,
		AccessToken:     id.AccessToken,
		Attributes:      id.Attributes,
		AuthenticatedAt: id.AuthenticatedAt,
	}}
}

func toErrorJSON(err error) *errorJSON {
	var ae *customauth.AuthError
	if errors.As(err, &ae) {
		return &errorJSON{Type: ae.Type, Message: ae.Message}
	}
	return &errorJSON{Message: err.Error()}
}

// api serves the provider over HTTP.
type api struct {
	p *Provider

	mu     sync.Mutex
	relays map[string]*relay
}

// Mount registers the auth API under /auth on r:
//
//	POST /auth/signup    {username, password, attributes}
//	POST /auth/initiate  {username}
//	POST /auth/respond   {responses}
func (p *Provider) Mount(r *mux.Router) {
	a := &api{p: p, relays: make(map[string]*relay)}
	sub := r.PathPrefix("/auth").Subrouter()
	sub.HandleFunc("/signup", a.handleSignUp).Methods("POST")
	sub.HandleFunc("/initiate", a.handleInitiate).Methods("POST")
	sub.HandleFunc("/respond", a.handleRespond).Methods("POST")
}

func (a *api) relayFor(username string) *relay {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.relays[username]
	if !ok {
		r = &relay{}
		a.relays[username] = r
	}
	return r
}

func (a *api) release(username string, r *relay) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.relays[username] == r {
		delete(a.relays, username)
	}
}

func (a *api) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := a.p.SignUp(r.Context(), req.Username, req.Password, req.Attributes); err != nil {
		writeError(w, err)
		return
	}
	writeBody(w, http.StatusOK, struct{}{})
}

func (a *api) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rl := a.relayFor(req.Username)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.result = authResult{}
	if err := a.p.BeginCustomAuth(r.Context(), req.Username, rl); err != nil {
		a.release(req.Username, rl)
		writeError(w, err)
		return
	}
	a.finish(w, req.Username, rl)
}

func (a *api) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	username := req.Responses[challenge.KeyUsername]

	rl := a.relayFor(username)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.result = authResult{}
	if err := a.p.SubmitChallengeAnswer(r.Context(), req.Responses); err != nil {
		a.release(username, rl)
		writeError(w, err)
		return
	}
	a.finish(w, username, rl)
}

// finish writes the captured outcome. Terminal outcomes drop the relay.
func (a *api) finish(w http.ResponseWriter, username string, rl *relay) {
	res := rl.result
	switch {
	case res.Error != nil:
		a.release(username, rl)
		writeBody(w, statusFor(res.Error.Type), res)
	case res.Identity != nil:
		a.release(username, rl)
		writeBody(w, http.StatusOK, res)
	default:
		writeBody(w, http.StatusOK, res)
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		writeError(w, authError(TypeInvalidParameter, "malformed request: "+err.Error()))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	e := toErrorJSON(err)
	writeBody(w, statusFor(e.Type), authResult{Error: e})
}

func statusFor(typ string) int {
	switch typ {
	case TypeUserNotFound:
		return http.StatusNotFound
	case TypeNotAuthorized:
		return http.StatusUnauthorized
	case TypeUsernameExists:
		return http.StatusConflict
	case TypeInvalidParameter, TypeInvalidPassword:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeBody(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Client is a customauth.Provider backed by a remote auth API mounted
// with Provider.Mount.
type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.Mutex
	handlers map[string]customauth.Handler
}

var _ customauth.Provider = (*Client)(nil)

// NewClient creates a client for the API at baseURL. A nil httpClient
// uses one with a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		handlers: make(map[string]customauth.Handler),
	}
}

// SignUp creates an account on the remote pool.
func (c *Client) SignUp(ctx context.Context, username, password string, attributes map[string]string) error {
	_, err := c.post(ctx, "/auth/signup", signUpRequest{
		Username:   username,
		Password:   password,
		Attributes: attributes,
	})
	return err
}

// BeginCustomAuth opens the remote flow and reports its first round to h.
func (c *Client) BeginCustomAuth(ctx context.Context, username string, h customauth.Handler) error {
	res, err := c.post(ctx, "/auth/initiate", initiateRequest{Username: username})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.handlers[username] = h
	c.mu.Unlock()

	return c.deliver(username, h, res)
}

// SubmitChallengeAnswer relays resp and reports the outcome to the
// handler of resp's USERNAME.
func (c *Client) SubmitChallengeAnswer(ctx context.Context, resp challenge.Response) error {
	username := resp[challenge.KeyUsername]

	c.mu.Lock()
	h, ok := c.handlers[username]
	c.mu.Unlock()
	if !ok {
		return authError(TypeNotAuthorized, "Invalid session for the user.")
	}

	res, err := c.post(ctx, "/auth/respond", respondRequest{Responses: resp})
	if err != nil {
		c.forget(username, h)
		return err
	}
	return c.deliver(username, h, res)
}

func (c *Client) deliver(username string, h customauth.Handler, res authResult) error {
	if res.Identity != nil {
		c.forget(username, h)
		h.OnCompleted(customauth.Identity{
			Username:        res.Identity.Username,
			IdentityID:      res.Identity.IdentityID,
			IDToken:         res.Identity.IDToken,
			AccessToken:     res.Identity.AccessToken,
			Attributes:      res.Identity.Attributes,
			AuthenticatedAt: res.Identity.AuthenticatedAt,
		})
		return nil
	}
	_, err := h.OnChallengeReceived(res.ChallengeParameters)
	return err
}

func (c *Client) forget(username string, h customauth.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[username] == h {
		delete(c.handlers, username)
	}
}

func (c *Client) post(ctx context.Context, path string, body any) (authResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return authResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return authResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return authResult{}, fmt.Errorf("auth request %s: %w", path, err)
	}
	defer resp.Body.Close()

	var res authResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&res); err != nil {
		return authResult{}, fmt.Errorf("auth response %s (status %d): %w", path, resp.StatusCode, err)
	}
	if res.Error != nil {
		return authResult{}, &customauth.AuthError{Type: res.Error.Type, Message: res.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return authResult{}, fmt.Errorf("auth request %s: unexpected status %d", path, resp.StatusCode)
	}
	return res, nil
}

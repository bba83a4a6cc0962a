// Package transport carries grain calls between silos (and from the
// gateway into the cluster) as JSON over HTTP. Errors round-trip through
// the errs wire encoding so a transient on the callee is still a
// transient to the caller's retry loop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

// InvokeRequest is one grain call on the wire. Args serialize as
// base64 under encoding/json.
type InvokeRequest struct {
	Grain  grain.Identity `json:"grain"`
	Method string         `json:"method"`
	Args   []byte         `json:"args,omitempty"`
}

// InvokeResponse is a successful call's payload.
type InvokeResponse struct {
	Data []byte `json:"data,omitempty"`
}

// Handler is the silo-side entry point; *runtime.Silo satisfies it.
type Handler interface {
	HandleInvoke(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error)
}

// Server exposes a silo's invoke endpoint plus health and metrics.
type Server struct {
	handler Handler
	logger  *log.Logger
	router  *mux.Router
}

func NewServer(handler Handler) *Server {
	s := &Server{
		handler: handler,
		logger:  log.New(log.Writer(), "[TRANSPORT] ", log.LstdFlags),
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/invoke", s.handleInvoke).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

// Router exposes the mux for the silo's http.Server.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeWireError(w, errs.Application("bad_request", "decode invoke: %v", err))
		return
	}
	data, err := s.handler.HandleInvoke(r.Context(), req.Grain, req.Method, req.Args)
	if err != nil {
		writeWireError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(InvokeResponse{Data: data})
}

func writeWireError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	w.Write(errs.Encode(err))
}

// Client ships calls to peer silos; it implements runtime.RemoteCaller.
// Safe for concurrent use.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) Invoke(ctx context.Context, endpoint string, id grain.Identity, method string, args []byte) ([]byte, error) {
	body, _ := json.Marshal(InvokeRequest{Grain: id, Method: method, Args: args})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, errs.SystemWrap(err, "build invoke request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Unreachable peer: likely a dead silo ahead of the membership
		// table; the caller's retry path refreshes routing.
		return nil, errs.TransientWrap(err, "invoke %s on %s", id, endpoint)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.TransientWrap(err, "read invoke response from %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Decode(raw)
	}
	var out InvokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.SystemWrap(err, "decode invoke response from %s", endpoint)
	}
	return out.Data, nil
}

// Package gateway is the public HTTP edge: authentication, the game
// API, the admin surface, and websocket push. Every game call funnels
// through a cluster Caller; the gateway itself holds no game state.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/game"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/middleware"
	"github.com/titan/backend/internal/ratelimit"
	"github.com/titan/backend/internal/registry"
	"github.com/titan/backend/internal/session"
)

// Caller routes grain calls into the cluster; *client.Client satisfies
// it (and *runtime.Silo does too, for co-located deployments).
type Caller interface {
	Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error)
}

type Server struct {
	caller   Caller
	sessions *session.Store
	creds    CredentialStore
	engine   *ratelimit.Engine
	rlSource *ratelimit.CachedSource
	hub      *Hub
	logger   *log.Logger
	router   *mux.Router
}

func NewServer(caller Caller, sessions *session.Store, creds CredentialStore, engine *ratelimit.Engine, rlSource *ratelimit.CachedSource) *Server {
	s := &Server{
		caller:   caller,
		sessions: sessions,
		creds:    creds,
		engine:   engine,
		rlSource: rlSource,
		hub:      NewHub(grainTicketConsumer{caller: caller}),
		logger:   log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the configured mux for the http.Server in cmd/gateway.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authn := middleware.Authenticate(s.sessions)
	limited := middleware.RateLimit(s.engine, s.rlSource)

	// Auth endpoints: rate limited (the "auth" policy is strict), no
	// session required.
	auth := r.PathPrefix("/auth").Subrouter()
	auth.Use(mux.MiddlewareFunc(authn), mux.MiddlewareFunc(limited))
	auth.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	auth.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	auth.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	// Game API: authenticated and rate limited.
	api := r.PathPrefix("/api").Subrouter()
	api.Use(mux.MiddlewareFunc(authn), mux.MiddlewareFunc(limited))

	gameAPI := api.NewRoute().Subrouter()
	gameAPI.Use(mux.MiddlewareFunc(middleware.RequireAuth))
	gameAPI.HandleFunc("/inventory/{character}/{season}", s.handleInventoryList).Methods(http.MethodGet)
	gameAPI.HandleFunc("/inventory/{character}/{season}/items", s.handleInventoryAdd).Methods(http.MethodPost)
	gameAPI.HandleFunc("/history/{character}", s.handleHistory).Methods(http.MethodGet)
	gameAPI.HandleFunc("/catalog/{registry}", s.handleCatalog).Methods(http.MethodGet)
	gameAPI.HandleFunc("/trades", s.handleTradePropose).Methods(http.MethodPost)
	gameAPI.HandleFunc("/trades/{id}", s.handleTradeGet).Methods(http.MethodGet)
	gameAPI.HandleFunc("/trades/{id}/accept", s.handleTradeAccept).Methods(http.MethodPost)
	gameAPI.HandleFunc("/trades/{id}/decline", s.handleTradeClose("Decline")).Methods(http.MethodPost)
	gameAPI.HandleFunc("/trades/{id}/cancel", s.handleTradeClose("Cancel")).Methods(http.MethodPost)
	gameAPI.HandleFunc("/ws-ticket", s.handleWSTicket).Methods(http.MethodPost)

	// Admin surface.
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(mux.MiddlewareFunc(middleware.RequireAdmin))
	admin.HandleFunc("/accounts", s.handleAccountCreate).Methods(http.MethodPost)
	admin.HandleFunc("/catalog/{registry}", s.handleCatalogUpsert).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/config", s.handleRLConfigGet).Methods(http.MethodGet)
	admin.HandleFunc("/ratelimit/config", s.handleRLConfigPut).Methods(http.MethodPut)
	admin.HandleFunc("/ratelimit/policies", s.handleRLPolicyUpsert).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/policies/{name}", s.handleRLPolicyRemove).Methods(http.MethodDelete)
	admin.HandleFunc("/ratelimit/reset", s.handleRLReset).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/cache/flush", s.handleRLFlush).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/timeouts/{partition}/{policy}", s.handleRLClearTimeout).Methods(http.MethodDelete)
	admin.HandleFunc("/ratelimit/partitions/{partition}", s.handleRLClearPartition).Methods(http.MethodDelete)
	admin.HandleFunc("/ratelimit/state", s.handleRLClearAll).Methods(http.MethodDelete)
	admin.HandleFunc("/sessions", s.handleSessionList).Methods(http.MethodGet)
	admin.HandleFunc("/sessions/{ticket}", s.handleSessionInvalidate).Methods(http.MethodDelete)
	admin.HandleFunc("/sessions/users/{user}", s.handleSessionInvalidateUser).Methods(http.MethodDelete)

	// Websocket: the connection ticket is the credential.
	r.HandleFunc("/ws", s.hub.HandleWS).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Application("bad_request", "decode request: %v", err)
	}
	return nil
}

// call proxies one grain call and writes the raw JSON reply through.
func (s *Server) call(w http.ResponseWriter, r *http.Request, id grain.Identity, method string, args interface{}) {
	var raw []byte
	if args != nil {
		raw, _ = json.Marshal(args)
	}
	data, err := s.caller.Call(r.Context(), id, method, raw)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if len(data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Write(data)
}

// --- auth ---

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, err)
		return
	}
	acct, err := s.creds.Create(r.Context(), body.Username, body.Password, false)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, err)
		return
	}
	acct, err := s.creds.Verify(r.Context(), body.Username, body.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), acct.ID, CredentialProvider, acct.Roles(), acct.IsAdmin, map[string]string{"username": acct.Username})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket":     sess.Ticket,
		"expires_at": sess.ExpiresAt,
		"account":    acct,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		middleware.WriteError(w, errs.Auth("unauthorized", "authentication required"))
		return
	}
	if err := s.sessions.Invalidate(r.Context(), p.Ticket); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh returns the session after the sliding-expiration bump
// the Authenticate middleware already applied.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		middleware.WriteError(w, errs.Auth("unauthorized", "authentication required"))
		return
	}
	sess, err := s.sessions.Validate(r.Context(), p.Ticket)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket":     sess.Ticket,
		"expires_at": sess.ExpiresAt,
	})
}

// --- game ---

func characterSeason(r *http.Request) (uuid.UUID, string, error) {
	vars := mux.Vars(r)
	character, err := uuid.Parse(vars["character"])
	if err != nil {
		return uuid.Nil, "", errs.Application("bad_request", "character guid: %v", err)
	}
	return character, vars["season"], nil
}

func (s *Server) handleInventoryList(w http.ResponseWriter, r *http.Request) {
	character, season, err := characterSeason(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.call(w, r, game.InventoryIdentity(character, season), "List", nil)
}

func (s *Server) handleInventoryAdd(w http.ResponseWriter, r *http.Request) {
	character, season, err := characterSeason(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	var body struct {
		DefID    string `json:"def_id"`
		Quantity int64  `json:"quantity"`
	}
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.call(w, r, game.InventoryIdentity(character, season), "AddItem", body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	character, err := uuid.Parse(mux.Vars(r)["character"])
	if err != nil {
		middleware.WriteError(w, errs.Application("bad_request", "character guid: %v", err))
		return
	}
	s.call(w, r, game.HistoryIdentity(character), "List", nil)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, registry.ReaderIdentity(mux.Vars(r)["registry"]), "GetAll", nil)
}

func (s *Server) handleTradePropose(w http.ResponseWriter, r *http.Request) {
	var body game.ProposeRequest
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.call(w, r, game.TradeIdentity(uuid.New()), "Propose", body)
}

func tradeID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, errs.Application("bad_request", "trade id: %v", err)
	}
	return id, nil
}

func (s *Server) handleTradeGet(w http.ResponseWriter, r *http.Request) {
	id, err := tradeID(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.call(w, r, game.TradeIdentity(id), "Get", nil)
}

func (s *Server) handleTradeAccept(w http.ResponseWriter, r *http.Request) {
	id, err := tradeID(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	data, err := s.caller.Call(r.Context(), game.TradeIdentity(id), "Accept", nil)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	var trade game.Trade
	if json.Unmarshal(data, &trade) == nil {
		// Both parties hear about the completed swap if connected.
		s.hub.Push(trade.Initiator, "trade_completed", trade)
		s.hub.Push(trade.Counterparty, "trade_completed", trade)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleTradeClose(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := tradeID(r)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		s.call(w, r, game.TradeIdentity(id), method, nil)
	}
}

func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	args := session.CreateTicketRequest{UserID: p.UserID, Roles: p.Roles}
	s.call(w, r, session.TicketIdentity(uuid.New()), "CreateTicket", args)
}

// --- admin ---

func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := decodeBody(r, &body); err != nil {
		middleware.WriteError(w, err)
		return
	}
	acct, err := s.creds.Create(r.Context(), body.Username, body.Password, body.IsAdmin)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleCatalogUpsert(w http.ResponseWriter, r *http.Request) {
	var def registry.Definition
	if err := decodeBody(r, &def); err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.call(w, r, registry.WriterIdentity(mux.Vars(r)["registry"]), "Upsert", def)
}

func (s *Server) handleRLConfigGet(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, ratelimit.ConfigIdentity(), "Get", nil)
}

func (s *Server) rlMutate(w http.ResponseWriter, r *http.Request, method string, args interface{}) {
	var raw []byte
	if args != nil {
		raw, _ = json.Marshal(args)
	}
	data, err := s.caller.Call(r.Context(), ratelimit.ConfigIdentity(), method, raw)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	// The local cache must not serve the old policy set after an admin
	// write; other silos converge on their TTL.
	s.rlSource.Flush()
	w.Header().Set("Content-Type", "application/json")
	if len(data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Write(data)
}

func (s *Server) handleRLConfigPut(w http.ResponseWriter, r *http.Request) {
	var cfg ratelimit.Configuration
	if err := decodeBody(r, &cfg); err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.rlMutate(w, r, "Update", cfg)
}

func (s *Server) handleRLPolicyUpsert(w http.ResponseWriter, r *http.Request) {
	var p ratelimit.Policy
	if err := decodeBody(r, &p); err != nil {
		middleware.WriteError(w, err)
		return
	}
	s.rlMutate(w, r, "UpsertPolicy", p)
}

func (s *Server) handleRLPolicyRemove(w http.ResponseWriter, r *http.Request) {
	s.rlMutate(w, r, "RemovePolicy", map[string]string{"name": mux.Vars(r)["name"]})
}

func (s *Server) handleRLReset(w http.ResponseWriter, r *http.Request) {
	s.rlMutate(w, r, "Reset", nil)
}

func (s *Server) handleRLFlush(w http.ResponseWriter, r *http.Request) {
	s.rlSource.Flush()
	w.WriteHeader(http.StatusNoContent)
}

// destructive clears snapshot history afterwards so dashboards see the
// wipe immediately.
func (s *Server) rlClear(w http.ResponseWriter, r *http.Request, clear func(context.Context) error) {
	if err := clear(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if err := s.engine.RecordHistory(r.Context()); err != nil {
		s.logger.Printf("history snapshot after clear: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRLClearTimeout(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.rlClear(w, r, func(ctx context.Context) error {
		return s.engine.ClearTimeout(ctx, vars["partition"], vars["policy"])
	})
}

func (s *Server) handleRLClearPartition(w http.ResponseWriter, r *http.Request) {
	partition := mux.Vars(r)["partition"]
	s.rlClear(w, r, func(ctx context.Context) error {
		return s.engine.ClearPartition(ctx, partition)
	})
}

func (s *Server) handleRLClearAll(w http.ResponseWriter, r *http.Request) {
	s.rlClear(w, r, s.engine.ClearAll)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, err := strconv.Atoi(r.URL.Query().Get("take"))
	if err != nil || take <= 0 {
		take = 50
	}
	sessions, err := s.sessions.List(r.Context(), skip, take)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Invalidate(r.Context(), mux.Vars(r)["ticket"]); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionInvalidateUser(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.InvalidateUser(r.Context(), mux.Vars(r)["user"]); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

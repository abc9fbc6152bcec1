package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/zkbook/pkg/app/core/market"
	"github.com/uhyunpark/zkbook/pkg/app/core/mempool"
	"github.com/uhyunpark/zkbook/pkg/app/core/merkle"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
	"github.com/uhyunpark/zkbook/pkg/crypto"
)

const maxBodyBytes = 1 << 20

// Server handles REST API and WebSocket connections
type Server struct {
	app     *exchange.App
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	origins []string
}

// NewServer wires the routes and subscribes the websocket hub to app's trade and batch hooks.
func NewServer(app *exchange.App, corsOrigins []string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		log:     logger,
		origins: corsOrigins,
	}
	s.setupRoutes()

	symbol := app.Market().Symbol
	app.OnTrade(func(t orderbook.Trade) {
		s.hub.BroadcastToChannel(ChannelTrades, TradeUpdate{Type: "trade", TradeInfo: toTradeInfo(symbol, t)})
	})
	app.OnBatch(func(b exchange.Batch) {
		s.hub.BroadcastToChannel(ChannelBatches, toBatchUpdate(b))
	})
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recoverPanics)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/market", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/state", s.handleGetState).Methods("GET")
	api.HandleFunc("/state/digest", s.handleGetDigest).Methods("GET")
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/batches/{seq:[0-9]+}", s.handleGetBatch).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/deposits", s.handleFunds("deposit")).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleFunds("withdrawal")).Methods("POST")

	api.HandleFunc("/balances/root", s.handleGetRoot).Methods("GET")
	api.HandleFunc("/balances/verify", s.handleVerifyProof).Methods("POST")
	api.HandleFunc("/balances/{owner}/{token}", s.handleGetBalance).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Serve runs the websocket hub and the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.log.Infow("api_stopped")
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m := s.app.Market()
	respondJSON(w, MarketInfo{
		Symbol:       m.Symbol,
		BaseToken:    m.BaseToken.Hex(),
		QuoteToken:   m.QuoteToken.Hex(),
		Status:       m.Status().String(),
		MaxOrderSize: m.MaxOrderSize,
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.State())
}

func (s *Server) handleGetDigest(w http.ResponseWriter, r *http.Request) {
	h := s.app.Head()
	respondJSON(w, DigestResponse{Seq: h.Seq, Digest: h.Digest.Hex(), BalanceRoot: h.BalanceRoot.Hex()})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	bids, asks := s.app.Levels()
	respondJSON(w, OrderbookSnapshot{
		Symbol:    s.app.Market().Symbol,
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
		Seq:       s.app.Head().Seq,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	symbol := s.app.Market().Symbol
	trades := s.app.Trades(limit)
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = toTradeInfo(symbol, t)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch sequence", err.Error())
		return
	}
	b, err := s.app.Batch(seq)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, b)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	tx, err := transaction.Decode(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	e, err := s.app.SubmitSigned(tx)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Debugw("order_submitted", "id", e.Order.ID, "queue_seq", e.Seq, "bytes", len(body))
	respondJSON(w, SubmitOrderResponse{Status: "queued", OrderID: e.Order.ID, QueueSeq: e.Seq})
}

func (s *Server) handleFunds(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FundsRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		owner, err := crypto.ParseAddress(req.Owner)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		token, err := crypto.ParseAddress(req.Token)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		amount, err := uint256.FromDecimal(req.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
			return
		}

		move := s.app.Deposit
		if kind == "withdrawal" {
			move = s.app.Withdraw
		}
		b, err := move(owner, token, amount)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		respondJSON(w, FundsResponse{
			Owner:       b.Owner.Hex(),
			Token:       b.Token.Hex(),
			Balance:     b.Balance.Dec(),
			BalanceRoot: s.app.Head().BalanceRoot.Hex(),
		})
	}
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"root": s.app.Head().BalanceRoot.Hex()})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, err := crypto.ParseAddress(vars["owner"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	token, err := crypto.ParseAddress(vars["token"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	total, avail := s.app.Balance(owner, token)
	proof, root := s.app.Proof(owner, token)
	respondJSON(w, BalanceResponse{
		Owner:     owner.Hex(),
		Token:     token.Hex(),
		Balance:   total.Dec(),
		Available: avail.Dec(),
		Root:      root.Hex(),
		Included:  proof.Included,
		Siblings:  hashStrings(proof.Siblings),
	})
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	root, err := crypto.ParseHash(req.Root)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	siblings, err := crypto.ParseHashes(req.Siblings)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	owner, err := crypto.ParseAddress(req.Owner)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	token, err := crypto.ParseAddress(req.Token)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	respondJSON(w, VerifyResponse{Valid: merkle.VerifyProof(root, siblings, owner, token, amount)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Seq: s.app.Head().Seq, Pending: s.app.PendingOrders()})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *orderbook.ValidationError
	var encErr *crypto.EncodingError
	switch {
	case errors.As(err, &verr), errors.As(err, &encErr):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInsufficientBalance),
		errors.Is(err, settlement.ErrZeroAmount),
		errors.Is(err, settlement.ErrOverflow),
		errors.Is(err, exchange.ErrUnknownToken),
		errors.Is(err, transaction.ErrBadSignature),
		errors.Is(err, market.ErrMarketPaused):
		return http.StatusBadRequest
	case errors.Is(err, mempool.ErrFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Errorw("handler_panic", "path", r.URL.Path, "panic", fmt.Sprint(v))
				respondError(w, http.StatusInternalServerError, "internal error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

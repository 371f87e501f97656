package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/perpcore/pkg/core/engine"
	"github.com/openperp/perpcore/pkg/core/house"
	"github.com/openperp/perpcore/pkg/core/market"
)

const defaultDepthLevels = 20

// Server exposes the exchange over REST and WebSocket.
type Server struct {
	houses  map[string]*house.House
	router  *mux.Router
	hub     *Hub
	log     *zap.Logger
	metrics http.Handler // /metrics handler, nil disables the route
}

// NewServer creates an API server over the given houses, keyed by market
// symbol. metricsHandler is typically promhttp for the process registry.
func NewServer(houses map[string]*house.House, log *zap.Logger, metricsHandler http.Handler) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		houses:  houses,
		router:  mux.NewRouter(),
		hub:     NewHub(log.Named("ws")),
		log:     log,
		metrics: metricsHandler,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions/{symbol}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/accounts/{address}/claimable/{symbol}", s.handleGetClaimable).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{symbol}/{pip}/{orderId}", s.handleGetOrder).Methods("GET")

	api.HandleFunc("/positions/close", s.handleClosePosition).Methods("POST")
	api.HandleFunc("/margin/add", s.handleAddMargin).Methods("POST")
	api.HandleFunc("/margin/remove", s.handleRemoveMargin).Methods("POST")
	api.HandleFunc("/funds/claim", s.handleClaimFund).Methods("POST")
	api.HandleFunc("/liquidate", s.handleLiquidate).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the fully configured HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves HTTP on addr until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run()

	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api_server_starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) house(symbol string) (*house.House, bool) {
	h, ok := s.houses[symbol]
	return h, ok
}

// parsePriceToPip converts a decimal price string to a pip, rejecting
// prices that do not land on a tick.
func parsePriceToPip(m *market.Market, price string) (uint64, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", price, err)
	}
	pip := d.Mul(decimal.NewFromInt(m.BasisPoint))
	if !pip.IsInteger() {
		return 0, fmt.Errorf("price %s is not a multiple of the tick size", price)
	}
	if pip.Sign() <= 0 {
		return 0, fmt.Errorf("price must be positive: %s", price)
	}
	return uint64(pip.IntPart()), nil
}

func pipPriceString(m *market.Market, pip uint64) string {
	return decimal.NewFromInt(int64(pip)).Div(decimal.NewFromInt(m.BasisPoint)).String()
}

func parseSide(side string) (house.Side, error) {
	switch side {
	case "buy":
		return house.Long, nil
	case "sell":
		return house.Short, nil
	default:
		return 0, fmt.Errorf("side must be \"buy\" or \"sell\": %q", side)
	}
}

func parseAddress(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("invalid address: %q", addr)
	}
	return common.HexToAddress(addr), nil
}

func (s *Server) marketInfo(h *house.House) MarketInfo {
	m := h.Market()
	return MarketInfo{
		Symbol:                m.Symbol,
		BaseAsset:             m.BaseAsset,
		QuoteAsset:            m.QuoteAsset,
		BasisPoint:            m.BasisPoint,
		MaxLeverage:           m.MaxLeverage,
		TollRatioBps:          m.TollRatioBps,
		MaintenanceMarginBps:  m.MaintenanceMarginRatioBps,
		PartialLiquidationBps: m.PartialLiquidationRatioBps,
		CurrentPrice:          pipPriceString(m, h.CurrentPip()),
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	response := make([]MarketInfo, 0, len(s.houses))
	for _, h := range s.houses {
		response = append(response, s.marketInfo(h))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	h, ok := s.house(mux.Vars(r)["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	respondJSON(w, s.marketInfo(h))
}

func (s *Server) orderbookSnapshot(h *house.House, levels int) OrderbookSnapshot {
	m := h.Market()
	bids, asks := h.Depth(levels)

	toLevels := func(in []engine.DepthLevel) []PriceLevel {
		out := make([]PriceLevel, len(in))
		for i, l := range in {
			out[i] = PriceLevel{Price: pipPriceString(m, l.Pip), Pip: l.Pip, Size: l.Size}
		}
		return out
	}
	return OrderbookSnapshot{
		Symbol:    m.Symbol,
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	h, ok := s.house(mux.Vars(r)["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	respondJSON(w, s.orderbookSnapshot(h, defaultDepthLevels))
}

func (s *Server) positionInfo(h *house.House, trader common.Address) (PositionInfo, error) {
	p, err := h.GetPosition(trader)
	if err != nil {
		return PositionInfo{}, err
	}
	_, pnl, err := h.GetPositionNotionalAndUnrealizedPnl(trader)
	if err != nil {
		return PositionInfo{}, err
	}
	d, err := h.GetMaintenanceDetail(trader)
	if err != nil {
		return PositionInfo{}, err
	}
	return PositionInfo{
		Symbol:        h.Market().Symbol,
		Quantity:      p.Quantity,
		EntryPrice:    p.AvgEntryPrice(),
		MarkPrice:     h.MarkPrice(),
		Margin:        p.Margin,
		Leverage:      p.Leverage,
		OpenNotional:  p.OpenNotional,
		UnrealizedPnL: pnl,
		MarginRatio:   d.MarginRatio,
	}, nil
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	trader, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}

	positions := make([]PositionInfo, 0)
	for _, h := range s.houses {
		info, err := s.positionInfo(h, trader)
		if err != nil {
			continue
		}
		positions = append(positions, info)
	}
	respondJSON(w, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	trader, err := parseAddress(vars["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	h, ok := s.house(vars["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	info, err := s.positionInfo(h, trader)
	if err != nil {
		respondError(w, http.StatusNotFound, "position not found", err.Error())
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleGetClaimable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	trader, err := parseAddress(vars["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	h, ok := s.house(vars["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	amount, _ := h.CanClaimFund(trader)
	respondJSON(w, map[string]int64{"claimable": amount})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h, ok := s.house(vars["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	var pip, orderID uint64
	if _, err := fmt.Sscanf(vars["pip"], "%d", &pip); err != nil {
		respondError(w, http.StatusBadRequest, "invalid pip", err.Error())
		return
	}
	if _, err := fmt.Sscanf(vars["orderId"], "%d", &orderID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid orderId", err.Error())
		return
	}

	o, err := h.GetPendingOrder(pip, orderID)
	if err != nil {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}

	side := "sell"
	if o.IsBuy {
		side = "buy"
	}
	respondJSON(w, PendingOrderInfo{
		Symbol:        h.Market().Symbol,
		OrderID:       orderID,
		Pip:           pip,
		Price:         pipPriceString(h.Market(), pip),
		Side:          side,
		Size:          o.Size,
		PartialFilled: o.PartialFilled,
		IsFilled:      o.IsFilled,
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	trader, err := parseAddress(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	h, ok := s.house(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}

	var response SubmitOrderResponse
	switch req.Type {
	case "market":
		res, err := h.OpenMarketPosition(trader, side, req.Quantity, req.Leverage)
		if err != nil {
			respondOrderError(w, err)
			return
		}
		response = SubmitOrderResponse{Status: "filled", Filled: res.Filled}

	case "limit":
		pip, err := parsePriceToPip(h.Market(), req.Price)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid price", err.Error())
			return
		}
		orderID, res, err := h.OpenLimitOrder(trader, side, req.Quantity, pip, req.Leverage)
		if err != nil {
			respondOrderError(w, err)
			return
		}
		status := "filled"
		if res.Remaining == req.Quantity {
			status = "resting"
		} else if res.Remaining > 0 {
			status = "partial"
		}
		response = SubmitOrderResponse{
			Status:    status,
			OrderID:   orderID,
			Pip:       pip,
			Filled:    res.Filled,
			Remaining: res.Remaining,
		}

	default:
		respondError(w, http.StatusBadRequest, "invalid order type", "expected \"market\" or \"limit\"")
		return
	}

	s.broadcastOrderbook(h)
	respondJSON(w, response)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	trader, err := parseAddress(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	h, ok := s.house(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	if err := h.CancelLimitOrder(trader, req.Pip, req.OrderID); err != nil {
		respondError(w, http.StatusNotFound, "cancel failed", err.Error())
		return
	}

	s.broadcastOrderbook(h)
	respondJSON(w, map[string]string{"status": "cancelled"})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	trader, err := parseAddress(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	h, ok := s.house(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	res, err := h.ClosePosition(trader, req.Percent)
	if err != nil {
		respondOrderError(w, err)
		return
	}

	s.broadcastOrderbook(h)
	respondJSON(w, SubmitOrderResponse{Status: "filled", Filled: res.Filled})
}

func (s *Server) handleAddMargin(w http.ResponseWriter, r *http.Request) {
	s.handleMargin(w, r, func(h *house.House, trader common.Address, amount int64) error {
		return h.AddMargin(trader, amount)
	})
}

func (s *Server) handleRemoveMargin(w http.ResponseWriter, r *http.Request) {
	s.handleMargin(w, r, func(h *house.House, trader common.Address, amount int64) error {
		return h.RemoveMargin(trader, amount)
	})
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request, op func(*house.House, common.Address, int64) error) {
	var req MarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	trader, err := parseAddress(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	h, ok := s.house(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	if err := op(h, trader, req.Amount); err != nil {
		respondOrderError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleClaimFund(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	trader, err := parseAddress(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	h, ok := s.house(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	amount, err := h.ClaimFund(trader)
	if err != nil {
		respondOrderError(w, err)
		return
	}
	respondJSON(w, map[string]int64{"claimed": amount})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	liquidator, err := parseAddress(req.Liquidator)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid liquidator address", err.Error())
		return
	}
	trader, err := parseAddress(req.Trader)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trader address", err.Error())
		return
	}
	h, ok := s.house(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	res, err := h.Liquidate(liquidator, trader)
	if err != nil {
		respondOrderError(w, err)
		return
	}
	respondJSON(w, LiquidateResponse{
		Partial:           res.Partial,
		LiquidatedSize:    res.LiquidatedSize,
		RemainingQuantity: res.RemainingQuantity,
		Fee:               res.Fee,
		LiquidatorReward:  res.LiquidatorReward,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// broadcastOrderbook pushes a fresh depth snapshot to the market's
// orderbook channel subscribers.
func (s *Server) broadcastOrderbook(h *house.House) {
	symbol := h.Market().Symbol
	snap := s.orderbookSnapshot(h, defaultDepthLevels)
	s.hub.BroadcastToChannel("orderbook:"+symbol, OrderbookUpdate{
		Type:      "orderbook",
		Symbol:    symbol,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.Timestamp,
	})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
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

// respondOrderError maps domain errors to HTTP statuses.
func respondOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInsufficientLiquidity):
		respondError(w, http.StatusUnprocessableEntity, "insufficient liquidity", err.Error())
	case errors.Is(err, house.ErrNoPosition):
		respondError(w, http.StatusNotFound, "no position", err.Error())
	case errors.Is(err, house.ErrNothingToClaim):
		respondError(w, http.StatusNotFound, "nothing to claim", err.Error())
	case errors.Is(err, house.ErrPositionHealthy):
		respondError(w, http.StatusConflict, "position healthy", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "request rejected", err.Error())
	}
}

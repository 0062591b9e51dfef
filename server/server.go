// Package server exposes the settlement engine over HTTP. Reads are public;
// settlement and cancellation relays require an operator bearer token.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	assetexchange "github.com/kaifufi/asset-exchange-go"
	"github.com/kaifufi/asset-exchange-go/logging"
	"github.com/kaifufi/asset-exchange-go/settlement"
	"github.com/kaifufi/asset-exchange-go/storage"
)

var log = logging.NewLog("server")

const (
	defaultReceiptLimit = 20
	maxReceiptLimit     = 500
	maxBodyBytes        = 1 << 20
)

// ReceiptStore serves settled receipts.
type ReceiptStore interface {
	LatestReceipts(limit int) ([]*settlement.Receipt, error)
	GetReceipt(id string) (*settlement.Receipt, error)
}

// Server routes API calls to the engine.
type Server struct {
	engine   *settlement.Engine
	receipts ReceiptStore
	hub      *Hub
	secret   []byte
	http     *http.Server
}

// New builds a Server and registers its hub as the engine's emitter. An
// empty secret rejects every write.
func New(engine *settlement.Engine, receipts ReceiptStore, secret []byte) *Server {
	s := &Server{
		engine:   engine,
		receipts: receipts,
		hub:      NewHub(),
		secret:   secret,
	}
	engine.SetEmitter(s.hub)
	if len(secret) == 0 {
		log.Warn("no operator secret configured, write routes are disabled")
	}
	return s
}

// Hub returns the receipt stream.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/stream", s.hub.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/nonces/{address}", s.getNonce)
		r.Post("/price", s.currentPrice)
		r.Get("/receipts", s.latestReceipts)
		r.Get("/receipts/{id}", s.getReceipt)

		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Post("/nonces/cancel", s.cancelNonce)
			r.Post("/direct-buy", s.directBuy)
			r.Post("/auctions/finalize", s.finalizeAuction)
			r.Post("/preflight/direct-buy", s.preflightDirect)
			r.Post("/preflight/finalize", s.preflightFinalize)
		})
	})
	return r
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &assetexchange.InvalidParamError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

func (s *Server) getNonce(w http.ResponseWriter, r *http.Request) {
	addr, err := assetexchange.ParseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetexchange.NonceResponse{
		Address: addr.Hex(),
		Nonce:   s.engine.FetchNonce(addr),
	})
}

func (s *Server) currentPrice(w http.ResponseWriter, r *http.Request) {
	var in assetexchange.ListingData
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	l, err := in.ToListing()
	if err != nil {
		writeError(w, err)
		return
	}
	at := s.engine.Now()
	if q := r.URL.Query().Get("at"); q != "" {
		if at, err = strconv.ParseInt(q, 10, 64); err != nil {
			writeError(w, &assetexchange.InvalidParamError{Message: "invalid at: " + q})
			return
		}
	}
	affiliate, err := assetexchange.ParseOptionalAddress("affiliate", r.URL.Query().Get("affiliate"))
	if err != nil {
		writeError(w, err)
		return
	}
	price, err := settlement.CurrentPrice(l, at)
	if err != nil {
		writeError(w, err)
		return
	}
	split, err := s.engine.Quote(r.Context(), l, price, affiliate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetexchange.PriceResponse{
		Price: price.String(),
		Gross: split.Gross.String(),
		At:    at,
	})
}

func (s *Server) latestReceipts(w http.ResponseWriter, r *http.Request) {
	limit := defaultReceiptLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, &assetexchange.InvalidParamError{Message: "invalid limit: " + q})
			return
		}
		limit = n
	}
	if limit > maxReceiptLimit {
		limit = maxReceiptLimit
	}
	receipts, err := s.receipts.LatestReceipts(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetexchange.ReceiptsResponse{Receipts: receipts})
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.receipts.GetReceipt(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotExist) {
		writeJSONError(w, http.StatusNotFound, "not_found", "receipt not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) cancelNonce(w http.ResponseWriter, r *http.Request) {
	var in assetexchange.SignedCancel
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, sig, err := in.Decode()
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := s.engine.CancelWithSignature(r.Context(), c, sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetexchange.NonceResponse{Address: c.Signer.Hex(), Nonce: next})
}

func (s *Server) directBuy(w http.ResponseWriter, r *http.Request) {
	var in assetexchange.DirectBuyInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	req, err := in.ToRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.engine.DirectBuy(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	operator, _ := OperatorFromContext(r.Context())
	log.Info("direct buy relayed", "operator", operator, "id", receipt.ID)
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) finalizeAuction(w http.ResponseWriter, r *http.Request) {
	var in assetexchange.FinalizeInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	req, err := in.ToRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.engine.FinalizeAuction(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	operator, _ := OperatorFromContext(r.Context())
	log.Info("auction finalize relayed", "operator", operator, "id", receipt.ID)
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) preflightDirect(w http.ResponseWriter, r *http.Request) {
	var in assetexchange.DirectBuyInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	req, err := in.ToRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.Preflight(r.Context(), settlement.PreflightRequest{
		Listing:          req.Listing,
		ListingSignature: req.Signature,
		Buyer:            req.Buyer,
		PaymentAmount:    req.PaymentAmount,
		Value:            req.Value,
		Affiliate:        req.Affiliate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetexchange.NewPreflightResponse(res))
}

func (s *Server) preflightFinalize(w http.ResponseWriter, r *http.Request) {
	var in assetexchange.FinalizeInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	req, err := in.ToRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.Preflight(r.Context(), settlement.PreflightRequest{
		Listing:          req.Listing,
		ListingSignature: req.ListingSignature,
		Bid:              req.Bid,
		BidSignature:     req.BidSignature,
		Affiliate:        req.Affiliate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetexchange.NewPreflightResponse(res))
}

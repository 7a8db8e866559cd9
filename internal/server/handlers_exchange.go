package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/swapden/handover/internal/exchange"
	"github.com/swapden/handover/internal/repository"
)

func (s *Server) handleRequestExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID        string `json:"asset_id"`
		CounterAssetID string `json:"counter_asset_id"`
		Type           string `json:"type"`
		GiverID        string `json:"giver_id"`
		ReceiverID     string `json:"receiver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AssetID == "" || req.GiverID == "" || req.ReceiverID == "" {
		respondError(w, http.StatusBadRequest, "missing asset_id, giver_id or receiver_id")
		return
	}

	ex, err := s.exchanges.Request(r.Context(), exchange.RequestParams{
		AssetID:        req.AssetID,
		CounterAssetID: req.CounterAssetID,
		Type:           repository.ExchangeType(req.Type),
		GiverID:        req.GiverID,
		ReceiverID:     req.ReceiverID,
	})
	if err != nil {
		s.respondServiceError(w, "request_exchange", err)
		return
	}

	respondJSON(w, http.StatusCreated, ex)
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	ex, err := s.exchanges.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondServiceError(w, "get_exchange", err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) handleExchangeTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.exchanges.Tokens(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondServiceError(w, "exchange_tokens", err)
		return
	}
	respondJSON(w, http.StatusOK, tokens)
}

type acceptRequest struct {
	ValidityMinutes   int          `json:"validity_minutes"`
	MeetingPoint      *coordinates `json:"meeting_point"`
	MaxDistanceMeters float64      `json:"max_distance_meters"`
	PhotoRequired     bool         `json:"photo_required"`
}

func (r acceptRequest) options() exchange.AcceptOptions {
	return exchange.AcceptOptions{
		ValidityMinutes:   r.ValidityMinutes,
		MeetingPoint:      r.MeetingPoint.point(),
		MaxDistanceMeters: r.MaxDistanceMeters,
		PhotoRequired:     r.PhotoRequired,
	}
}

func (s *Server) handleAcceptExchange(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.exchanges.Accept(r.Context(), mux.Vars(r)["id"], callerID(r), req.options()); err != nil {
		s.respondServiceError(w, "accept_exchange", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "exchange accepted"})
}

func (s *Server) handleRejectExchange(w http.ResponseWriter, r *http.Request) {
	if err := s.exchanges.Reject(r.Context(), mux.Vars(r)["id"], callerID(r)); err != nil {
		s.respondServiceError(w, "reject_exchange", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "exchange rejected"})
}

func (s *Server) handleRecoverExchange(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.exchanges.RecoverPartial(r.Context(), mux.Vars(r)["id"], req.options()); err != nil {
		s.respondServiceError(w, "recover_exchange", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "exchange recovered"})
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if err := s.exchanges.ConfirmPayment(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondServiceError(w, "confirm_payment", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "payment confirmed"})
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.exchanges.ConfirmReceipt(r.Context(), mux.Vars(r)["id"], callerID(r)); err != nil {
		s.respondServiceError(w, "confirm_receipt", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "receipt confirmed"})
}

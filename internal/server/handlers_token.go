package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/swapden/handover/internal/token"
)

const maxEvidenceUploadBytes = 10 << 20

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExchangeID string `json:"exchange_id"`
		AssetID    string `json:"asset_id"`
		AssetLabel string `json:"asset_label"`
		GiverID    string `json:"giver_id"`
		ReceiverID string `json:"receiver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExchangeID == "" || req.AssetID == "" || req.GiverID == "" || req.ReceiverID == "" {
		respondError(w, http.StatusBadRequest, "missing exchange_id, asset_id, giver_id or receiver_id")
		return
	}

	tok, err := s.tokens.Create(r.Context(), token.CreateParams{
		ExchangeID: req.ExchangeID,
		AssetID:    req.AssetID,
		AssetLabel: req.AssetLabel,
		GiverID:    req.GiverID,
		ReceiverID: req.ReceiverID,
	})
	if err != nil {
		s.respondServiceError(w, "create_token", err)
		return
	}

	respondJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleCreateSecureToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExchangeID        string       `json:"exchange_id"`
		AssetID           string       `json:"asset_id"`
		AssetLabel        string       `json:"asset_label"`
		GiverID           string       `json:"giver_id"`
		ReceiverID        string       `json:"receiver_id"`
		ValidityMinutes   int          `json:"validity_minutes"`
		MeetingPoint      *coordinates `json:"meeting_point"`
		MaxDistanceMeters float64      `json:"max_distance_meters"`
		PhotoRequired     bool         `json:"photo_required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExchangeID == "" || req.AssetID == "" || req.GiverID == "" || req.ReceiverID == "" {
		respondError(w, http.StatusBadRequest, "missing exchange_id, asset_id, giver_id or receiver_id")
		return
	}

	tok, err := s.tokens.CreateSecure(r.Context(), token.CreateSecureParams{
		CreateParams: token.CreateParams{
			ExchangeID: req.ExchangeID,
			AssetID:    req.AssetID,
			AssetLabel: req.AssetLabel,
			GiverID:    req.GiverID,
			ReceiverID: req.ReceiverID,
		},
		ValidityMinutes:   req.ValidityMinutes,
		MeetingPoint:      req.MeetingPoint.point(),
		MaxDistanceMeters: req.MaxDistanceMeters,
		PhotoRequired:     req.PhotoRequired,
	})
	if err != nil {
		s.respondServiceError(w, "create_secure_token", err)
		return
	}

	respondJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondServiceError(w, "get_token", err)
		return
	}
	respondJSON(w, http.StatusOK, tok)
}

func (s *Server) handleTokenQR(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondServiceError(w, "token_qr", err)
		return
	}

	size := 256
	if sizeStr := r.URL.Query().Get("size"); sizeStr != "" {
		parsed, err := strconv.Atoi(sizeStr)
		if err != nil || parsed < 64 || parsed > 1024 {
			respondError(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = parsed
	}

	png, err := token.RenderQR(tok.Payload, size)
	if err != nil {
		s.respondServiceError(w, "token_qr", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type scanRequest struct {
	Payload   string  `json:"payload"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PIN       string  `json:"pin"`
}

// scanStatusCode maps a scan outcome to the HTTP status of the response. The
// outcome itself always travels in the body; the status is for clients that
// only look at the code.
func scanStatusCode(code token.ScanCode) int {
	switch code {
	case token.ScanCompleted, token.ScanPhotoRequired:
		return http.StatusOK
	case token.ScanNotFound:
		return http.StatusNotFound
	case token.ScanExpired, token.ScanAlreadyUsed, token.ScanCancelled, token.ScanLockedOut:
		return http.StatusConflict
	case token.ScanWrongPIN, token.ScanTooFar:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleScanToken(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.tokens.VerifyScan(r.Context(), mux.Vars(r)["id"], req.Latitude, req.Longitude, req.PIN)
	if err != nil {
		s.respondServiceError(w, "scan_token", err)
		return
	}

	respondJSON(w, scanStatusCode(result.Code), result)
}

func (s *Server) handleScanPayload(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Payload == "" {
		respondError(w, http.StatusBadRequest, "missing payload")
		return
	}

	result, err := s.tokens.VerifyScanPayload(r.Context(), req.Payload, req.Latitude, req.Longitude, req.PIN)
	if err != nil {
		s.respondServiceError(w, "scan_payload", err)
		return
	}

	respondJSON(w, scanStatusCode(result.Code), result)
}

func (s *Server) handleExtendToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdditionalMinutes int `json:"additional_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	expiresAt, err := s.tokens.ExtendValidity(r.Context(), mux.Vars(r)["id"], req.AdditionalMinutes)
	if err != nil {
		s.respondServiceError(w, "extend_token", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"expires_at": expiresAt,
	})
}

func (s *Server) handleCancelToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, "missing cancellation reason")
		return
	}

	if err := s.tokens.Cancel(r.Context(), mux.Vars(r)["id"], callerID(r), req.Reason); err != nil {
		s.respondServiceError(w, "cancel_token", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "token cancelled"})
}

func (s *Server) handleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxEvidenceUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing photo file")
		return
	}
	defer file.Close()

	photo, err := io.ReadAll(io.LimitReader(file, maxEvidenceUploadBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read photo")
		return
	}

	tok, err := s.evidence.UploadEvidence(r.Context(), mux.Vars(r)["id"], callerID(r), photo)
	if err != nil {
		s.respondServiceError(w, "upload_evidence", err)
		return
	}

	respondJSON(w, http.StatusOK, tok)
}

package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/keyfold/server/internal/middleware"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/recovery"
)

// RecoveryHandler exposes the guardian-registry and recovery endpoints
type RecoveryHandler struct {
	svc            *recovery.Service
	startLimiter   *middleware.RateLimiter
	approveLimiter *middleware.RateLimiter
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(svc *recovery.Service) *RecoveryHandler {
	// IP rate limits on the unauthenticated surface: starting a recovery is
	// rarer than approving one.
	return &RecoveryHandler{
		svc:            svc,
		startLimiter:   middleware.NewRateLimiter(10*time.Minute, 10),
		approveLimiter: middleware.NewRateLimiter(10*time.Minute, 30),
	}
}

// setupRequest is the request body for POST /recovery/setup
type setupRequest struct {
	Threshold      int    `json:"threshold"`
	TotalGuardians int    `json:"total_guardians"`
	Ciphersuite    string `json:"ciphersuite"`
}

// configResponse is the recovery config in API responses
type configResponse struct {
	ID             string `json:"id"`
	Threshold      int    `json:"threshold"`
	TotalGuardians int    `json:"total_guardians"`
	GroupPublicKey string `json:"group_public_key"`
	Ciphersuite    string `json:"ciphersuite"`
	Status         string `json:"status"`
}

func toConfigResponse(cfg model.RecoveryConfig) configResponse {
	return configResponse{
		ID:             cfg.ID.String(),
		Threshold:      cfg.Threshold,
		TotalGuardians: cfg.TotalGuardians,
		GroupPublicKey: cfg.GroupPublicKey,
		Ciphersuite:    cfg.Ciphersuite,
		Status:         cfg.Status,
	}
}

// HandleSetup handles POST /recovery/setup
func (h *RecoveryHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.Setup(r.Context(), userID, req.Threshold, req.TotalGuardians, req.Ciphersuite)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"config":  toConfigResponse(result.Config),
		"created": result.Created,
	})
}

// addGuardianEmailRequest is the request body for POST /recovery/guardians/email
type addGuardianEmailRequest struct {
	Email string `json:"email"`
}

// guardianResponse is a guardian in API responses
type guardianResponse struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Identity         string `json:"identity"`
	ParticipantIndex int    `json:"participant_index"`
	Status           string `json:"status"`
}

func toGuardianResponse(g model.RecoveryGuardian) guardianResponse {
	identity := g.Identity
	if g.GuardianType == model.GuardianTypeEmail {
		identity = recovery.MaskEmail(g.Identity)
	}
	return guardianResponse{
		ID:               g.ID.String(),
		Type:             string(g.GuardianType),
		Identity:         identity,
		ParticipantIndex: g.ParticipantIndex,
		Status:           string(g.Status),
	}
}

// HandleAddGuardianEmail handles POST /recovery/guardians/email
func (h *RecoveryHandler) HandleAddGuardianEmail(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req addGuardianEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.AddGuardianEmail(r.Context(), userID, req.Email)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"guardian": toGuardianResponse(result.Guardian),
		"created":  result.Created,
	})
}

// HandleAddGuardianTwoFactor handles POST /recovery/guardians/second-factor
func (h *RecoveryHandler) HandleAddGuardianTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.svc.AddGuardianTwoFactor(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"guardian": toGuardianResponse(result.Guardian),
		"created":  result.Created,
	})
}

// HandleRemoveGuardian handles DELETE /recovery/guardians/{guardianID}
func (h *RecoveryHandler) HandleRemoveGuardian(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	guardianID, err := uuid.Parse(chi.URLParam(r, "guardianID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid guardian id")
		return
	}

	if err := h.svc.RemoveGuardian(r.Context(), userID, guardianID); err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "guardian removed"})
}

// storeWrapperRequest is the request body for POST /recovery/wrappers
type storeWrapperRequest struct {
	SecretID   string `json:"secret_id"`
	WrappedDek string `json:"wrapped_dek_b64"`
	KeyID      string `json:"key_id"`
}

// HandleStoreWrapper handles POST /recovery/wrappers
func (h *RecoveryHandler) HandleStoreWrapper(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req storeWrapperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	secretID, err := uuid.Parse(req.SecretID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid secret id")
		return
	}
	wrappedDek, err := base64.StdEncoding.DecodeString(req.WrappedDek)
	if err != nil || len(wrappedDek) == 0 {
		respondWithError(w, http.StatusBadRequest, "invalid wrapped_dek_b64")
		return
	}
	if strings.TrimSpace(req.KeyID) == "" {
		respondWithError(w, http.StatusBadRequest, "key_id is required")
		return
	}

	stored, err := h.svc.StoreSecretWrapper(r.Context(), userID, secretID, wrappedDek, req.KeyID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"stored": stored})
}

// HandleRecoveryID handles GET /recovery/id
func (h *RecoveryHandler) HandleRecoveryID(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ident, err := h.svc.EnsureRecoveryID(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"recovery_id": ident.RecoveryID})
}

// startRequest is the request body for POST /recovery/start
type startRequest struct {
	Identifier string `json:"identifier"`
}

// startApprovalResponse is one approval slot in the start response
type startApprovalResponse struct {
	GuardianID  string `json:"guardian_id"`
	Type        string `json:"type"`
	MaskedEmail string `json:"masked_email,omitempty"`
	Token       string `json:"token,omitempty"`
}

// startResponse is the JSON response for start
type startResponse struct {
	ChallengeID    string                  `json:"challenge_id"`
	ContextToken   string                  `json:"context_token"`
	ExpiresAt      time.Time               `json:"expires_at"`
	Threshold      int                     `json:"threshold"`
	Approvals      []startApprovalResponse `json:"approvals"`
	DeliveredCount int                     `json:"delivered_count"`
}

// HandleStart handles POST /recovery/start
func (h *RecoveryHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !h.startLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.Start(r.Context(), req.Identifier)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	approvals := make([]startApprovalResponse, 0, len(result.Approvals))
	for _, a := range result.Approvals {
		approvals = append(approvals, startApprovalResponse{
			GuardianID:  a.GuardianID.String(),
			Type:        string(a.Type),
			MaskedEmail: a.MaskedEmail,
			Token:       a.Token,
		})
	}

	respondJSON(w, http.StatusOK, startResponse{
		ChallengeID:    result.ChallengeID.String(),
		ContextToken:   result.ContextToken,
		ExpiresAt:      result.ExpiresAt,
		Threshold:      result.Threshold,
		Approvals:      approvals,
		DeliveredCount: result.DeliveredCount,
	})
}

// approveRequest is the request body for POST /recovery/approve
type approveRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// approveResponse is the JSON response for approve
type approveResponse struct {
	Status              string `json:"status"`
	ApprovalsCount      int    `json:"approvals_count"`
	Threshold           int    `json:"threshold"`
	SignaturesCollected *int   `json:"signatures_collected,omitempty"`
}

// HandleApprove handles POST /recovery/approve
func (h *RecoveryHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	if !h.approveLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		respondWithError(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := h.svc.ApproveGuardian(r.Context(), req.Token, req.Code)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, approveResponse{
		Status:              string(result.Status),
		ApprovalsCount:      result.ApprovalsCount,
		Threshold:           result.Threshold,
		SignaturesCollected: result.SignaturesCollected,
	})
}

// statusApprovalResponse is one guardian's approval state in a status response
type statusApprovalResponse struct {
	GuardianID string     `json:"guardian_id"`
	Type       string     `json:"type"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// statusResponse is the JSON response for challenge status
type statusResponse struct {
	ChallengeID string                   `json:"challenge_id"`
	Status      string                   `json:"status"`
	Threshold   int                      `json:"threshold"`
	ExpiresAt   time.Time                `json:"expires_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
	Approvals   []statusApprovalResponse `json:"approvals"`
}

// HandleStatus handles GET /recovery/challenges/{challengeID}
func (h *RecoveryHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	challengeID, err := uuid.Parse(chi.URLParam(r, "challengeID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}

	result, err := h.svc.Status(r.Context(), challengeID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	approvals := make([]statusApprovalResponse, 0, len(result.Approvals))
	for _, a := range result.Approvals {
		approvals = append(approvals, statusApprovalResponse{
			GuardianID: a.GuardianID.String(),
			Type:       string(a.Type),
			ApprovedAt: a.ApprovedAt,
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		ChallengeID: result.ChallengeID.String(),
		Status:      string(result.Status),
		Threshold:   result.Threshold,
		ExpiresAt:   result.ExpiresAt,
		CompletedAt: result.CompletedAt,
		Approvals:   approvals,
	})
}

// passkeyCredentialRequest is the passkey arm of the finalize credential
type passkeyCredentialRequest struct {
	CredentialID string `json:"credential_id"`
	PRFSalt      string `json:"prf_salt_b64"`
	PRFOutput    string `json:"prf_output_b64"`
}

// opaqueCredentialRequest is the OPAQUE arm of the finalize credential
type opaqueCredentialRequest struct {
	ExportKey string `json:"export_key_b64"`
}

// finalizeRequest is the request body for POST /recovery/finalize
type finalizeRequest struct {
	ChallengeID  string                    `json:"challenge_id"`
	ContextToken string                    `json:"context_token"`
	Passkey      *passkeyCredentialRequest `json:"passkey,omitempty"`
	Opaque       *opaqueCredentialRequest  `json:"opaque,omitempty"`
}

// finalizeResponse is the JSON response for finalize
type finalizeResponse struct {
	RewrappedCount  int      `json:"rewrapped_count"`
	FailedSecretIDs []string `json:"failed_secret_ids,omitempty"`
}

// HandleFinalize handles POST /recovery/finalize
func (h *RecoveryHandler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	challengeID, err := uuid.Parse(req.ChallengeID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}

	cred, err := decodeCredential(req)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Finalize(r.Context(), challengeID, req.ContextToken, cred)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	failed := make([]string, 0, len(result.FailedSecretIDs))
	for _, id := range result.FailedSecretIDs {
		failed = append(failed, id.String())
	}

	respondJSON(w, http.StatusOK, finalizeResponse{
		RewrappedCount:  result.RewrappedCount,
		FailedSecretIDs: failed,
	})
}

// decodeCredential maps the JSON credential arms onto the service union.
// Arm-choice validation stays in the service; this only decodes base64.
func decodeCredential(req finalizeRequest) (recovery.Credential, error) {
	var cred recovery.Credential
	if req.Passkey != nil {
		salt, err := base64.StdEncoding.DecodeString(req.Passkey.PRFSalt)
		if err != nil {
			return recovery.Credential{}, errors.New("invalid prf_salt_b64")
		}
		output, err := base64.StdEncoding.DecodeString(req.Passkey.PRFOutput)
		if err != nil {
			return recovery.Credential{}, errors.New("invalid prf_output_b64")
		}
		cred.Passkey = &recovery.PasskeyCredential{
			CredentialID: req.Passkey.CredentialID,
			PRFSalt:      salt,
			PRFOutput:    output,
		}
	}
	if req.Opaque != nil {
		exportKey, err := base64.StdEncoding.DecodeString(req.Opaque.ExportKey)
		if err != nil {
			return recovery.Credential{}, errors.New("invalid export_key_b64")
		}
		cred.Opaque = &recovery.OpaqueCredential{ExportKey: exportKey}
	}
	return cred, nil
}

// respondWithServiceError maps the recovery error taxonomy to HTTP statuses
func respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recovery.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, recovery.ErrPreconditionFailed):
		respondWithError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, recovery.ErrBadRequest):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recovery.ErrTimeout):
		respondWithError(w, http.StatusRequestTimeout, err.Error())
	case errors.Is(err, recovery.ErrUnauthorized):
		respondWithError(w, http.StatusUnauthorized, err.Error())
	default:
		log.Printf("recovery handler: internal error: %v", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// respondJSON writes a JSON response body
func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

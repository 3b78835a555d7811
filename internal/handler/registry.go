package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/campus-ledger/internal/model"
	"github.com/mmeshcher/campus-ledger/internal/registry"
	"github.com/mmeshcher/campus-ledger/internal/validation"
)

type issueRequest struct {
	Owner       model.Account `json:"owner"`
	NaturalKey  string        `json:"natural_key"`
	DisplayName string        `json:"display_name"`
	ProgramName string        `json:"program_name"`
	MetadataURI string        `json:"metadata_uri"`
}

type issueResponse struct {
	ID uint64 `json:"id"`
}

type renewResponse struct {
	ID     uint64 `json:"id"`
	Expiry string `json:"expiry"`
}

type metadataRequest struct {
	MetadataURI string `json:"metadata_uri"`
}

type metadataResponse struct {
	ID          uint64 `json:"id"`
	MetadataURI string `json:"metadata_uri"`
}

type credentialResponse struct {
	ID          uint64        `json:"id"`
	Owner       model.Account `json:"owner"`
	NaturalKey  string        `json:"natural_key"`
	DisplayName string        `json:"display_name"`
	ProgramName string        `json:"program_name"`
	MetadataURI string        `json:"metadata_uri"`
	IssuedAt    string        `json:"issued_at"`
	Expiry      string        `json:"expiry"`
	Active      bool          `json:"active"`
}

type lookupResponse struct {
	Owner model.Account `json:"owner"`
	ID    uint64        `json:"id"`
}

type ownerResponse struct {
	Owner model.Account `json:"owner"`
	IDs   []uint64      `json:"ids"`
}

func recordID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, ok := validation.ParseRecordID(chi.URLParam(r, "id"))
	if !ok {
		badRequest(w)
	}
	return id, ok
}

// IssueCredential выпускает удостоверение. Доступно администратору.
func (h *Handler) IssueCredential(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w)
		return
	}

	if !validation.IsValidNaturalKey(req.NaturalKey) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	id, err := h.service.IssueCredential(r.Context(), from, registry.IssueRequest{
		Owner:       req.Owner,
		NaturalKey:  req.NaturalKey,
		DisplayName: req.DisplayName,
		ProgramName: req.ProgramName,
		MetadataURI: req.MetadataURI,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueResponse{ID: id})
}

// RenewCredential продлевает удостоверение.
func (h *Handler) RenewCredential(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	expiry, err := h.service.RenewCredential(r.Context(), from, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, renewResponse{ID: id, Expiry: expiry.Format(time.RFC3339)})
}

// BurnExpiredCredential погашает просроченное удостоверение.
func (h *Handler) BurnExpiredCredential(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	if err := h.service.BurnExpiredCredential(r.Context(), from, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetCredentialMetadata заменяет адрес метаданных. Доступно администратору.
func (h *Handler) SetCredentialMetadata(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	var req metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w)
		return
	}

	if err := h.service.SetCredentialMetadata(r.Context(), from, id, req.MetadataURI); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetCredential возвращает запись удостоверения, в том числе погашенную.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	c, err := h.service.Credential(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, credentialResponse{
		ID:          c.ID,
		Owner:       c.Owner,
		NaturalKey:  c.NaturalKey,
		DisplayName: c.DisplayName,
		ProgramName: c.ProgramName,
		MetadataURI: c.MetadataURI,
		IssuedAt:    c.IssuedAt.Format(time.RFC3339),
		Expiry:      c.Expiry.Format(time.RFC3339),
		Active:      c.Active,
	})
}

// GetCredentialMetadata возвращает адрес метаданных удостоверения.
func (h *Handler) GetCredentialMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	uri, err := h.service.CredentialMetadata(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, metadataResponse{ID: id, MetadataURI: uri})
}

// Lookup ищет активное удостоверение по внешнему номеру. Номер занимает остаток пути
// и может содержать косую черту как в открытом, так и в экранированном виде.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || !validation.IsValidNaturalKey(key) {
		badRequest(w)
		return
	}

	owner, id, err := h.service.LookupByNaturalKey(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lookupResponse{Owner: owner, ID: id})
}

// GetOwnerCredentials возвращает номера удостоверений владельца.
func (h *Handler) GetOwnerCredentials(w http.ResponseWriter, r *http.Request) {
	owner, ok := accountParam(r, "account")
	if !ok {
		badRequest(w)
		return
	}

	ids := h.service.CredentialsOf(r.Context(), owner)
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, ownerResponse{Owner: owner, IDs: ids})
}

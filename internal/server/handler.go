/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/distance"
	"github.com/kentakayama/qsafe-auth/internal/policy"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
	"github.com/kentakayama/qsafe-auth/internal/sapi"
)

const (
	maxRequestBodyBytes = 1 << 20

	CertificatesPath = "/sapi/v1/certificates"
	AuthorityPath    = "/sapi/v1/authority"
	StatsPath        = "/sapi/v1/stats"

	contentTypeCBOR = "application/cbor"
	contentTypeJSON = "application/json"
)

type handler struct {
	serverID  string
	manager   *cert.Manager
	signals   *riskSignals
	leaf      *x509.Certificate
	registry  *Registry
	engine    *qlock.Engine
	validator *sapi.Validator
	evaluator *policy.Evaluator
	router    *mux.Router
	skew      time.Duration
	now       func() time.Time
	logger    *log.Logger
}

type responseSpec struct {
	status      int
	body        []byte
	contentType string
}

type account struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (h *handler) routes(anchorHandler http.Handler) {
	r := mux.NewRouter()
	r.HandleFunc(CertificatesPath, h.registerCertificate).Methods(http.MethodPost)
	r.HandleFunc(AuthorityPath, h.authorityCertificate).Methods(http.MethodGet)
	r.HandleFunc(distance.ChallengePath, distance.EchoHandler).Methods(http.MethodPost)
	r.HandleFunc(StatsPath, h.stats).Methods(http.MethodGet)
	if anchorHandler != nil {
		r.PathPrefix("/anchor/v1/").Handler(anchorHandler)
	}

	r.Handle("/accounts", h.protect("accounts:read", h.accounts)).Methods(http.MethodGet)
	r.Handle("/transfer", h.protect("transfer:write", h.transfer)).Methods(http.MethodPost)
	h.router = r
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *handler) registerCertificate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != contentTypeCBOR {
		h.logger.Printf("content type mismatch: expected %s, actual %v", contentTypeCBOR, r.Header.Get("Content-Type"))
		http.Error(w, "This endpoint only accepts Content-Type: "+contentTypeCBOR, http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.logger.Printf("failed reading request body: %v", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	c, err := cert.UnmarshalCertificate(body)
	if err != nil {
		h.logger.Printf("failed to decode certificate: %v", err)
		http.Error(w, "malformed certificate", http.StatusBadRequest)
		return
	}

	reg, err := h.registry.Register(r.Context(), c)
	if err != nil {
		h.logger.Printf("certificate %s for %s rejected: %v", c.CertificateID, c.SubjectID, err)
		if cert.IsRetryable(err) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		h.writeResponse(w, failure(http.StatusUnauthorized))
		return
	}

	ext, err := cert.EncodeExtension(c.Extension())
	if err != nil {
		h.logger.Printf("failed to encode extension for %s: %v", reg.CertificateID, err)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	h.writeResponse(w, responseSpec{
		status:      http.StatusCreated,
		body:        ext,
		contentType: contentTypeCBOR,
	})
}

func (h *handler) authorityCertificate(w http.ResponseWriter, r *http.Request) {
	body, err := h.manager.Authority().Certificate.Marshal()
	if err != nil {
		h.logger.Printf("failed to encode authority certificate: %v", err)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	h.writeResponse(w, responseSpec{
		status:      http.StatusOK,
		body:        body,
		contentType: contentTypeCBOR,
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *handler) accounts(w http.ResponseWriter, r *http.Request) {
	auth, _ := AuthenticatedFrom(r.Context())
	h.writeJSON(w, http.StatusOK, []account{
		{ID: "acc-001", Owner: auth.Identity.DID, Balance: 125000},
		{ID: "acc-002", Owner: auth.Identity.DID, Balance: 4200},
	})
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	auth, _ := AuthenticatedFrom(r.Context())
	var req transferRequest
	if err := json.Unmarshal(auth.Body, &req); err != nil || req.Amount <= 0 || req.From == "" || req.To == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed transfer"})
		return
	}
	h.logger.Printf("Transfer of %d from %s to %s by %s", req.Amount, req.From, req.To, auth.Identity.DID)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"from":    req.From,
		"to":      req.To,
		"amount":  req.Amount,
		"session": auth.Session.SessionID,
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("failed to encode response: %v", err)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	h.writeResponse(w, responseSpec{status: status, body: body, contentType: contentTypeJSON})
}

func (h *handler) writeResponse(w http.ResponseWriter, spec responseSpec) {
	w.Header().Set("Server", "SAPI/1.0")

	if len(spec.body) > 0 {
		for k, v := range defaultHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", spec.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(spec.body)))
		w.WriteHeader(spec.status)
		if _, err := w.Write(spec.body); err != nil {
			h.logger.Printf("failed writing response body: %v", err)
		}
		return
	}

	w.WriteHeader(spec.status)
}

// failure never says which check failed.
func failure(status int) responseSpec {
	return responseSpec{
		status:      status,
		body:        []byte("authentication failed"),
		contentType: "text/plain",
	}
}

var errNoTLS = errors.New("request did not arrive over TLS")

var defaultHeaders = map[string]string{
	"Cache-Control":           "no-store",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'",
	"Referrer-Policy":         "no-referrer",
}

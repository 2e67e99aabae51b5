/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package anchor

import (
	"io"
	"log"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
)

const maxRequestBodyBytes = 1 << 16

// Handler exposes a Service over the wire format Client speaks.
type Handler struct {
	svc    Service
	logger *log.Logger
	router *mux.Router
}

func NewHandler(svc Service, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{svc: svc, logger: logger, router: mux.NewRouter()}
	h.router.HandleFunc(recordsPath, h.submit).Methods(http.MethodPost)
	h.router.HandleFunc(recordsPath+"/{ref}", h.lookup).Methods(http.MethodGet)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
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

	var req submitRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.Digest) == 0 {
		h.logger.Printf("failed to decode submit request: %v", err)
		http.Error(w, "malformed submit request", http.StatusBadRequest)
		return
	}

	ref, err := h.svc.Submit(r.Context(), req.Digest, req.Kind)
	if err != nil {
		h.logger.Printf("failed to anchor digest: %v", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	h.writeCBOR(w, http.StatusCreated, submitResponse{Ref: ref})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	rec, err := h.svc.Lookup(r.Context(), ref)
	if err != nil {
		h.logger.Printf("failed to look up anchor %s: %v", ref, err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	h.writeCBOR(w, http.StatusOK, rec)
}

func (h *Handler) writeCBOR(w http.ResponseWriter, status int, v any) {
	body, err := cbor.Marshal(v)
	if err != nil {
		h.logger.Printf("failed to encode response: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("failed writing response body: %v", err)
	}
}

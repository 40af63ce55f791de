package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/errcode"
	"github.com/vectornode/vectornode/pkg/shipment"
)

func (s *Server) handleResolveToken(w http.ResponseWriter, r *http.Request) {
	info, err := s.qr.Resolve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

// ActionsResponse lists what the caller may do with a unit.
type ActionsResponse struct {
	Actions []shipment.Action `json:"actions"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	actions, err := s.qr.Actions(r.Context(), p, chi.URLParam(r, "token"))
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	if actions == nil {
		actions = []shipment.Action{}
	}
	api.WriteJSON(w, http.StatusOK, ActionsResponse{Actions: actions})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req shipment.ScanRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteErr(w, r, err)
		return
	}
	res, err := s.qr.Scan(r.Context(), p, req)
	outcome := "ok"
	if err != nil {
		if outcome = errcode.CodeOf(err); outcome == "" {
			outcome = errcode.Internal
		}
	}
	s.telemetry.RecordScan(r.Context(), string(req.Action), outcome)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, res)
}

// readUpload reads the multipart file field, bounded by the upload limit.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (data []byte, contentType string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", errcode.Newf(errcode.ValidationFailed, "upload exceeds %d MB", s.maxUpload>>20)
		}
		return nil, "", errcode.Wrap(errcode.ValidationFailed, fmt.Errorf("malformed multipart body: %w", err))
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", errcode.New(errcode.ValidationFailed, "multipart field \"file\" is required")
	}
	defer file.Close()
	data, err = io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return data, header.Header.Get("Content-Type"), nil
}

func (s *Server) handleAttachPhoto(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	data, ct, err := s.readUpload(w, r)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	photo, err := s.qr.AttachPhoto(r.Context(), p, r.FormValue("token"), ct, data)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, photo)
}

// SignatureRequest carries a signature canvas capture.
type SignatureRequest struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

func (s *Server) handleAttachSignature(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req SignatureRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteErr(w, r, err)
		return
	}
	sig, err := s.qr.AttachSignature(r.Context(), p, req.Token, req.Signature)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, sig)
}

func (s *Server) handleUnitHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	h, err := s.qr.History(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h)
}

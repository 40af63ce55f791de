package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/dispute"
)

// handleListDisputes shows admins every dispute and everyone else their own.
func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if auth.IsAdmin(p) {
		s.handleAllDisputes(w, r)
		return
	}
	s.handleMyDisputes(w, r)
}

func (s *Server) handleMyDisputes(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	page, limit := api.ParsePage(r)
	items, total, err := s.disputes.ListMine(r.Context(), p, page, limit)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.NewPage(items, page, limit, total))
}

func (s *Server) handleAllDisputes(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	page, limit := api.ParsePage(r)
	status := dispute.Status(r.URL.Query().Get("status"))
	items, total, err := s.disputes.ListAll(r.Context(), p, status, page, limit)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.NewPage(items, page, limit, total))
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req dispute.CreateRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteErr(w, r, err)
		return
	}
	d, err := s.disputes.Create(r.Context(), p, req)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, d)
}

// handleDisputePhoto uploads evidence for a unit whose label may already be
// retired, addressed by unit id instead of token.
func (s *Server) handleDisputePhoto(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	data, ct, err := s.readUpload(w, r)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	photo, err := s.qr.AttachUnitPhoto(r.Context(), p, r.FormValue("unit_id"), ct, data)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, photo)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	d, err := s.disputes.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, d)
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	comments, err := s.disputes.Comments(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	if comments == nil {
		comments = []*dispute.Comment{}
	}
	api.WriteJSON(w, http.StatusOK, comments)
}

// CommentRequest is a new comment.
type CommentRequest struct {
	Body       string `json:"body"`
	IsInternal bool   `json:"is_internal,omitempty"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req CommentRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteErr(w, r, err)
		return
	}
	c, err := s.disputes.AddComment(r.Context(), p, chi.URLParam(r, "id"), req.Body, req.IsInternal)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, c)
}

// StatusRequest moves a dispute to its next status.
type StatusRequest struct {
	Status dispute.Status `json:"status"`
}

func (s *Server) handleAdvanceDispute(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteErr(w, r, err)
		return
	}
	d, err := s.disputes.AdvanceStatus(r.Context(), p, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, d)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req dispute.ResolveRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteErr(w, r, err)
		return
	}
	d, err := s.disputes.Resolve(r.Context(), p, chi.URLParam(r, "id"), req)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, d)
}

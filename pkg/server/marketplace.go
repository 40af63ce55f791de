package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/marketplace"
	"github.com/vectornode/vectornode/pkg/shipment"
)

// decode reads a JSON body into a fresh T, writing the problem on failure.
func decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := api.DecodeJSON(w, r, &v); err != nil {
		api.WriteErr(w, r, err)
		return v, false
	}
	return v, true
}

// respond writes v, or the problem for err.
func respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	if v == nil {
		w.WriteHeader(status)
		return
	}
	api.WriteJSON(w, status, v)
}

// --- shipments ---

func (s *Server) handleListShipments(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	page, limit := api.ParsePage(r)
	items, total, err := s.market.ListShipments(r.Context(), p, r.URL.Query().Get("status"), page, limit)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.NewPage[*shipment.Shipment](items, page, limit, total))
}

func (s *Server) handlePostShipment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.ShipmentRequest](w, r)
	if !ok {
		return
	}
	sh, err := s.market.PostShipment(r.Context(), p, req)
	respond(w, r, http.StatusCreated, sh, err)
}

func (s *Server) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	sh, err := s.market.GetShipment(r.Context(), p, chi.URLParam(r, "id"))
	respond(w, r, http.StatusOK, sh, err)
}

func (s *Server) handleDeleteShipment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	err := s.market.DeleteShipment(r.Context(), p, chi.URLParam(r, "id"))
	respond(w, r, http.StatusNoContent, nil, err)
}

// --- bids ---

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	bids, err := s.market.ListBids(r.Context(), p, chi.URLParam(r, "id"))
	if bids == nil {
		bids = []*marketplace.Bid{}
	}
	respond(w, r, http.StatusOK, bids, err)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.BidRequest](w, r)
	if !ok {
		return
	}
	bid, err := s.market.PlaceBid(r.Context(), p, chi.URLParam(r, "id"), req)
	respond(w, r, http.StatusCreated, bid, err)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	bid, err := s.market.AcceptBid(r.Context(), p, chi.URLParam(r, "id"))
	respond(w, r, http.StatusOK, bid, err)
}

// --- carriers & fleet ---

func (s *Server) handleListCarriers(w http.ResponseWriter, r *http.Request) {
	page, limit := api.ParsePage(r)
	items, total, err := s.market.ListCarriers(r.Context(), page, limit)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.NewPage(items, page, limit, total))
}

func (s *Server) handleCreateCarrier(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.CarrierRequest](w, r)
	if !ok {
		return
	}
	c, err := s.market.CreateCarrier(r.Context(), p, req)
	respond(w, r, http.StatusCreated, c, err)
}

func (s *Server) handleGetCarrier(w http.ResponseWriter, r *http.Request) {
	c, err := s.market.GetCarrier(r.Context(), chi.URLParam(r, "id"))
	respond(w, r, http.StatusOK, c, err)
}

func (s *Server) handleUpdateCarrier(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.CarrierRequest](w, r)
	if !ok {
		return
	}
	c, err := s.market.UpdateCarrier(r.Context(), p, chi.URLParam(r, "id"), req)
	respond(w, r, http.StatusOK, c, err)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	vs, err := s.market.ListVehicles(r.Context(), p, chi.URLParam(r, "id"))
	if vs == nil {
		vs = []*marketplace.Vehicle{}
	}
	respond(w, r, http.StatusOK, vs, err)
}

func (s *Server) handleAddVehicle(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.VehicleRequest](w, r)
	if !ok {
		return
	}
	v, err := s.market.AddVehicle(r.Context(), p, chi.URLParam(r, "id"), req)
	respond(w, r, http.StatusCreated, v, err)
}

func (s *Server) handleRemoveVehicle(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	err := s.market.RemoveVehicle(r.Context(), p, chi.URLParam(r, "id"), chi.URLParam(r, "vehicleID"))
	respond(w, r, http.StatusNoContent, nil, err)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	ds, err := s.market.ListDrivers(r.Context(), p, chi.URLParam(r, "id"))
	if ds == nil {
		ds = []*marketplace.Driver{}
	}
	respond(w, r, http.StatusOK, ds, err)
}

func (s *Server) handleAddDriver(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.DriverRequest](w, r)
	if !ok {
		return
	}
	d, err := s.market.AddDriver(r.Context(), p, chi.URLParam(r, "id"), req)
	respond(w, r, http.StatusCreated, d, err)
}

func (s *Server) handleRemoveDriver(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	err := s.market.RemoveDriver(r.Context(), p, chi.URLParam(r, "id"), chi.URLParam(r, "driverID"))
	respond(w, r, http.StatusNoContent, nil, err)
}

// --- warehouses ---

func (s *Server) handleListWarehouses(w http.ResponseWriter, r *http.Request) {
	page, limit := api.ParsePage(r)
	items, total, err := s.market.ListWarehouses(r.Context(), page, limit)
	if err != nil {
		api.WriteErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.NewPage(items, page, limit, total))
}

func (s *Server) handleCreateWarehouse(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.WarehouseRequest](w, r)
	if !ok {
		return
	}
	wh, err := s.market.CreateWarehouse(r.Context(), p, req)
	respond(w, r, http.StatusCreated, wh, err)
}

func (s *Server) handleGetWarehouse(w http.ResponseWriter, r *http.Request) {
	wh, err := s.market.GetWarehouse(r.Context(), chi.URLParam(r, "id"))
	respond(w, r, http.StatusOK, wh, err)
}

func (s *Server) handleUpdateWarehouse(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decode[marketplace.WarehouseRequest](w, r)
	if !ok {
		return
	}
	wh, err := s.market.UpdateWarehouse(r.Context(), p, chi.URLParam(r, "id"), req)
	respond(w, r, http.StatusOK, wh, err)
}

func (s *Server) handleDeleteWarehouse(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	err := s.market.DeleteWarehouse(r.Context(), p, chi.URLParam(r, "id"))
	respond(w, r, http.StatusNoContent, nil, err)
}

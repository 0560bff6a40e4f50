package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"swapflow/internal/monitor"
)

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > max {
				v = max
			}
			limit = v
		}
	}
	return limit
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryLimit(r, 200, 1000)

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}
	session := strings.TrimSpace(q.Get("session"))

	events, err := s.deps.Events.ListEvents(r.Context(), eventType, session, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 1000)

	var owner common.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("owner")); raw != "" {
		if !common.IsHexAddress(raw) {
			http.Error(w, "owner 不是合法地址", http.StatusBadRequest)
			return
		}
		owner = common.HexToAddress(raw)
	}

	orders, err := s.deps.Orders.ListOrders(r.Context(), owner, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

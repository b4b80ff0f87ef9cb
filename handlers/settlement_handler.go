package handlers

import (
	"net/http"

	"github.com/coinarena/settlement-engine/services"
)

type SettlementHandler struct {
	settlementService *services.SettlementService
}

func NewSettlementHandler(ss *services.SettlementService) *SettlementHandler {
	return &SettlementHandler{
		settlementService: ss,
	}
}

// CalculateHandler обрабатывает POST /tournaments/{tournamentID}/calc.
// Повторный вызов — полный пересчёт, это легально пока турнир Ended.
func (h *SettlementHandler) CalculateHandler(w http.ResponseWriter, r *http.Request) {
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	summary, err := h.settlementService.Calculate(r.Context(), id)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"calculation": summary}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// SettleHandler обрабатывает POST /tournaments/{tournamentID}/settle.
func (h *SettlementHandler) SettleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	reference, err := h.settlementService.Settle(r.Context(), id)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"settlement_tx_hash": reference}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// ReconcileHandler обрабатывает POST /tournaments/{tournamentID}/reconcile —
// операторская сверка после неопределённого исхода расчёта.
func (h *SettlementHandler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	result, err := h.settlementService.Reconcile(r.Context(), id)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"reconciliation": result}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strconv" // Для парсинга query параметров

	"github.com/coinarena/settlement-engine/models"
	"github.com/coinarena/settlement-engine/repositories"
	"github.com/coinarena/settlement-engine/services"
)

type TournamentHandler struct {
	tournamentService *services.TournamentService
}

func NewTournamentHandler(ts *services.TournamentService) *TournamentHandler {
	return &TournamentHandler{
		tournamentService: ts,
	}
}

// GetByIDHandler обрабатывает GET /tournaments/{tournamentID}
func (h *TournamentHandler) GetByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	tournament, err := h.tournamentService.GetTournamentByID(r.Context(), id)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"tournament": tournament}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// ListHandler обрабатывает GET /tournaments
func (h *TournamentHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	// Парсинг query параметров для фильтрации
	var filter repositories.ListTournamentsFilter
	query := r.URL.Query()

	if statusStr := query.Get("status"); statusStr != "" {
		status := models.TournamentStatus(statusStr)
		switch status {
		case models.StatusUpcoming, models.StatusActive, models.StatusEnded, models.StatusSettled:
			filter.Status = &status
		default:
			badRequestResponse(w, r, errors.New("invalid status query parameter"))
			return
		}
	}
	if typeStr := query.Get("type"); typeStr != "" {
		tournamentType := models.TournamentType(typeStr)
		switch tournamentType {
		case models.TypeBalanced, models.TypeUnbalanced:
			filter.Type = &tournamentType
		default:
			badRequestResponse(w, r, errors.New("invalid type query parameter"))
			return
		}
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		} else {
			badRequestResponse(w, r, errors.New("invalid limit query parameter"))
			return
		}
	} else {
		filter.Limit = 20 // Значение по умолчанию
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		} else {
			badRequestResponse(w, r, errors.New("invalid offset query parameter"))
			return
		}
	}

	tournaments, err := h.tournamentService.ListTournaments(r.Context(), filter)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	// Возвращаем список (даже если он пустой)
	if err := writeJSON(w, http.StatusOK, jsonResponse{"tournaments": tournaments}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

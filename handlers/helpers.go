package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coinarena/settlement-engine/allocation"
	"github.com/coinarena/settlement-engine/services" // Импортируем для маппинга ошибок сервисов
)

type jsonResponse map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, data interface{}, headers http.Header) error {
	js, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return err
	}
	js = append(js, '\n')

	for key, value := range headers {
		w.Header()[key] = value
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(js)
	if err != nil {
		return err
	}

	return nil
}

func getIDFromURL(r *http.Request, param string) (int, error) {
	idStr := chi.URLParam(r, param)
	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s URL parameter", param)
	}
	return id, nil
}

func errorResponse(w http.ResponseWriter, r *http.Request, status int, message interface{}) {
	env := jsonResponse{"error": message}
	if err := writeJSON(w, status, env, nil); err != nil {
		slog.Error("failed to write error JSON response", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	message := "the server encountered a problem and could not process your request"
	errorResponse(w, r, http.StatusInternalServerError, message)
}

func badRequestResponse(w http.ResponseWriter, r *http.Request, err error) {
	errorResponse(w, r, http.StatusBadRequest, err.Error())
}

func notFoundResponse(w http.ResponseWriter, r *http.Request) {
	message := "the requested resource could not be found"
	errorResponse(w, r, http.StatusNotFound, message)
}

func conflictResponse(w http.ResponseWriter, r *http.Request, message string) {
	errorResponse(w, r, http.StatusConflict, message)
}

func badGatewayResponse(w http.ResponseWriter, r *http.Request, message string) {
	errorResponse(w, r, http.StatusBadGateway, message)
}

// mapServiceErrorToHTTP преобразует ошибки сервисного слоя в HTTP-ответы.
func mapServiceErrorToHTTP(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrTournamentNotFound):
		notFoundResponse(w, r)

	// Конфликты машины состояний: повтор без смены состояния не поможет.
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrNoCalculatedShares),
		errors.Is(err, services.ErrSettlementInProgress),
		errors.Is(err, services.ErrReconciliationRequired),
		errors.Is(err, services.ErrNotReconcilable):
		conflictResponse(w, r, err.Error())

	// Невалидные параметры распределения в записи турнира.
	case errors.Is(err, allocation.ErrNegativePrizePool),
		errors.Is(err, allocation.ErrNegativeMinCoins),
		errors.Is(err, allocation.ErrInvalidEquilibriumBand):
		badRequestResponse(w, r, err)

	// Внешний леджер: отказ или неопределённый исход.
	case errors.Is(err, services.ErrExternalLedger),
		errors.Is(err, services.ErrAmbiguousSettlement):
		badGatewayResponse(w, r, err.Error())

	// ErrArithmeticInvariant и прочее — внутренние дефекты.
	default:
		serverErrorResponse(w, r, err)
	}
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinarena/settlement-engine/models"
	"github.com/coinarena/settlement-engine/storage"
)

// SettlementReport — аудиторский артефакт успешного расчёта,
// загружается в объектное хранилище. Неудача загрузки не влияет на сам
// расчёт: леджер к этому моменту уже провёл выплаты.
type SettlementReport struct {
	TournamentID     int                     `json:"tournament_id"`
	IdempotencyKey   string                  `json:"idempotency_key"`
	SettlementTxHash string                  `json:"settlement_tx_hash"`
	SettledAt        time.Time               `json:"settled_at"`
	Entries          []SettlementReportEntry `json:"entries"`
}

type SettlementReportEntry struct {
	ParticipantID     int    `json:"participant_id"`
	AccountIdentifier string `json:"account_identifier"`
	CoinsBurned       int64  `json:"coins_burned"`
	PrizeShareBps     int    `json:"prize_share_bps"`
	PrizeAmount       int64  `json:"prize_amount"`
}

func buildSettlementReport(tournamentID int, key, reference string, participants []models.Participant) *SettlementReport {
	report := &SettlementReport{
		TournamentID:     tournamentID,
		IdempotencyKey:   key,
		SettlementTxHash: reference,
		SettledAt:        time.Now().UTC(),
		Entries:          make([]SettlementReportEntry, 0, len(participants)),
	}
	for _, p := range participants {
		entry := SettlementReportEntry{
			ParticipantID:     p.ID,
			AccountIdentifier: p.AccountIdentifier,
			CoinsBurned:       p.CoinsBurned,
		}
		if p.PrizeShareBps != nil {
			entry.PrizeShareBps = *p.PrizeShareBps
		}
		if p.PrizeAmount != nil {
			entry.PrizeAmount = *p.PrizeAmount
		}
		report.Entries = append(report.Entries, entry)
	}
	return report
}

// ReportService загружает отчёты о расчётах в объектное хранилище.
type ReportService struct {
	uploader storage.FileUploader
	logger   *slog.Logger
}

func NewReportService(uploader storage.FileUploader, logger *slog.Logger) *ReportService {
	return &ReportService{uploader: uploader, logger: logger}
}

func (s *ReportService) Archive(ctx context.Context, report *SettlementReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode settlement report: %w", err)
	}

	key := fmt.Sprintf("settlements/%d/%s.json", report.TournamentID, report.SettlementTxHash)
	result, err := s.uploader.Upload(ctx, key, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to upload settlement report: %w", err)
	}

	s.logger.Info("settlement report uploaded",
		slog.Int("tournament_id", report.TournamentID),
		slog.String("key", result.Key))
	return result.Location, nil
}

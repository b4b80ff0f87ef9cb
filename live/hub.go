package live

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
)

// Типы событий, которые движок расчёта пушит в комнаты админки.
const (
	EventSharesCalculated  = "SHARES_CALCULATED"
	EventTournamentSettled = "TOURNAMENT_SETTLED"
	EventSettlementFailed  = "SETTLEMENT_FAILED"
)

// Message — конверт события для клиентов WebSocket.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	RoomID  string      `json:"room_id,omitempty"`
}

// Hub раздаёт события расчёта по комнатам; одна комната — один турнир.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	rooms  map[string]map[*Client]bool
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		rooms:      make(map[string]map[*Client]bool),
		logger:     logger,
	}
}

// RoomForTournament — имя комнаты турнира.
func RoomForTournament(tournamentID int) string {
	return "tournament_" + strconv.Itoa(tournamentID)
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.rooms[client.room]; !ok {
				h.rooms[client.room] = make(map[*Client]bool)
			}
			h.rooms[client.room][client] = true
			h.logger.Debug("live client registered",
				slog.String("room", client.room),
				slog.Int("room_clients", len(h.rooms[client.room])))
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			if roomClients, ok := h.rooms[client.room]; ok {
				if _, okClient := roomClients[client]; okClient {
					client.closeSend()
					delete(roomClients, client)
					if len(roomClients) == 0 {
						delete(h.rooms, client.room)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// NotifyTournament отправляет событие всем подписчикам турнира.
// Реализует services.SettlementNotifier.
func (h *Hub) NotifyTournament(tournamentID int, event string, payload interface{}) {
	room := RoomForTournament(tournamentID)
	h.broadcastToRoom(room, Message{Type: event, Payload: payload, RoomID: room})
}

func (h *Hub) broadcastToRoom(roomID string, message Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomClients, ok := h.rooms[roomID]
	if !ok {
		return
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal live message",
			slog.String("room", roomID), slog.Any("error", err))
		return
	}

	for client := range roomClients {
		// Медленный клиент с полным буфером пропускает событие,
		// блокировать рассылку из-за него нельзя.
		client.trySend(messageBytes)
	}
}

package routes

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/coinarena/settlement-engine/handlers"
	"github.com/coinarena/settlement-engine/middleware"
)

// SetupRoutes настраивает маршруты движка расчёта. Мутирующие операции
// (calc/settle/reconcile) доступны только операторам с ролью admin.
func SetupRoutes(
	router *chi.Mux,
	jwtSecret string,
	tournamentHandler *handlers.TournamentHandler,
	settlementHandler *handlers.SettlementHandler,
	webSocketHandler *handlers.WebSocketHandler,
) {
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Route("/tournaments", func(r chi.Router) {
		// Публичные маршруты для просмотра турниров и долей
		r.Get("/", tournamentHandler.ListHandler)
		r.Get("/{tournamentID}", tournamentHandler.GetByIDHandler)

		// Защищённые маршруты только для операторов
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate([]byte(jwtSecret)))
			r.Use(middleware.Authorize("admin"))

			r.Post("/{tournamentID}/calc", settlementHandler.CalculateHandler)
			r.Post("/{tournamentID}/settle", settlementHandler.SettleHandler)
			r.Post("/{tournamentID}/reconcile", settlementHandler.ReconcileHandler)
		})
	})

	router.Get("/ws/tournaments/{tournamentID}", webSocketHandler.ServeWs)
}

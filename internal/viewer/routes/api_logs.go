package routes

import "net/http"

// Log tails accept ?n=, ?level= and ?call= (short or full call id).
func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	handleGet(mux, "/api/logs", d.Logs.ServeLogsJSON)
	handleGet(mux, "/api/logs/stream", d.Logs.ServeLogsSSE)
}

package routes

import "net/http"

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls Calls
	Video MediaSource
	Logs  Logs
	// AllowOrigin is the browser origin policy shared with CORS.
	AllowOrigin func(origin string) bool
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)

	// GET /api/call/mode lets the UI check whether calling is wired up.
	handleGet(mux, "/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"enabled": d.Calls != nil, "video": d.Video != nil})
	})
	if d.Calls != nil {
		RegisterCall(mux, d.Calls, d.Video, d.AllowOrigin)
	}
}

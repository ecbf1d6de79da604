// Package gateway exposes a read-only HTTP surface beside the socket
// services: metrics, room/storage snapshots, and a websocket that pushes
// roster changes to monitoring clients. It never mutates the store.
package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lanmeet/lanmeet/internal/core"
	"github.com/lanmeet/lanmeet/internal/sessions"
)

// AppOptions is options of the application
type AppOptions struct {
	Store      *sessions.Store
	StorageDir string

	websocket *melody.Melody
}

type App struct {
	AppOptions
}

func NewApp(options AppOptions) *App {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = 1024

	app := &App{options}

	// Every roster change is pushed to websocket watchers as a USER_LIST
	// shaped event.
	app.Store.OnRosterChange(func(room string, members []core.Member) {
		app.pushRoster(room, members)
	})

	return app
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method("GET", "/metrics", promhttp.Handler())

	r.Get("/api/v1/rooms", func(w http.ResponseWriter, r *http.Request) {
		type memberJSON struct {
			Username string `json:"username"`
			IP       string `json:"ip"`
			State    string `json:"state"`
		}
		out := make(map[string][]memberJSON)
		for room, members := range app.Store.Rooms() {
			list := make([]memberJSON, 0, len(members))
			for _, m := range members {
				list = append(list, memberJSON{Username: m.Username, IP: m.IP, State: string(m.State)})
			}
			out[room] = list
		}
		writeJSON(w, out)
	})

	r.Get("/api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		type fileJSON struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		}
		entries, err := os.ReadDir(app.StorageDir)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		files := make([]fileJSON, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || isStagingFile(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, fileJSON{Name: e.Name(), Size: info.Size()})
		}
		writeJSON(w, files)
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := app.websocket.HandleRequest(w, r); err != nil {
			log.Error().Err(err).Str("service", "gateway").Msg("can't handle websocket request")
		}
	})

	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "gateway").Msg("error in websocket session")
	})

	return r
}

func (app *App) pushRoster(room string, members []core.Member) {
	type userJSON struct {
		Username string `json:"username"`
		IP       string `json:"ip"`
	}
	event := struct {
		Event string     `json:"event"`
		Room  string     `json:"room"`
		Users []userJSON `json:"users"`
	}{Event: "user_list", Room: room}

	for _, m := range members {
		event.Users = append(event.Users, userJSON{Username: m.Username, IP: m.IP})
	}

	msg, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := app.websocket.Broadcast(msg); err != nil {
		log.Debug().Err(err).Str("service", "gateway").Msg("roster push failed")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("service", "gateway").Msg("response encode failed")
	}
}

// isStagingFile hides in-progress upload temp files from listings.
func isStagingFile(name string) bool {
	matched, _ := filepath.Match(".upload-*", name)
	return matched
}

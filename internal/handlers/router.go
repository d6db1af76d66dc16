package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/gflowd/gflowd/internal/config"
	"github.com/gflowd/gflowd/internal/events"
	"github.com/gflowd/gflowd/internal/metrics"
	"github.com/gflowd/gflowd/internal/middleware"
	"github.com/gflowd/gflowd/internal/objectstore"
	"github.com/gflowd/gflowd/internal/runtime"
	"github.com/gflowd/gflowd/internal/sessioncontrol"
)

// NewRouter builds gflowd's HTTP control surface (spec.md §6): a plain
// http.ServeMux with suffix-based sub-resource routing in place of
// gorilla/mux path variables, with per-request auth and transaction
// middleware dropped since none of that applies to a single-node,
// operator-trusted scheduler daemon.
func NewRouter(rt *runtime.Runtime, bus *events.Bus, sess sessioncontrol.Controller, objects objectstore.Store, version string) http.Handler {
	mux := http.NewServeMux()

	jobHandler := NewJobHandler(rt, sess, objects)
	reservationHandler := NewReservationHandler(rt)
	infoHandler := NewInfoHandler(rt)
	healthHandler := NewHealthHandler(version)
	eventsHandler := NewEventsHandler(bus)

	mux.HandleFunc("/health", method(http.MethodGet, healthHandler.Health))
	mux.HandleFunc("/info", method(http.MethodGet, infoHandler.Info))
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/events/ws", method(http.MethodGet, eventsHandler.Stream))

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			jobHandler.ListJobs(w, r)
		case http.MethodPost:
			jobHandler.CreateJob(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/jobs/batch", method(http.MethodPost, jobHandler.CreateJobsBatch))

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if path == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		for _, sub := range []struct {
			suffix string
			method string
			fn     http.HandlerFunc
		}{
			{"/finish", http.MethodPost, jobHandler.FinishJob},
			{"/fail", http.MethodPost, jobHandler.FailJob},
			{"/cancel", http.MethodPost, jobHandler.CancelJob},
			{"/hold", http.MethodPost, jobHandler.HoldJob},
			{"/release", http.MethodPost, jobHandler.ReleaseJob},
			{"/log", http.MethodGet, jobHandler.GetJobLog},
		} {
			if strings.HasSuffix(path, sub.suffix) {
				id := strings.TrimSuffix(path, sub.suffix)
				r = r.WithContext(setIDContext(r.Context(), "job_id", id))
				if r.Method != sub.method {
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
					return
				}
				sub.fn(w, r)
				return
			}
		}

		r = r.WithContext(setIDContext(r.Context(), "job_id", path))
		switch r.Method {
		case http.MethodGet:
			jobHandler.GetJob(w, r)
		case http.MethodPatch:
			jobHandler.UpdateJob(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/resolve_dependency", method(http.MethodGet, jobHandler.ResolveDependency))

	mux.HandleFunc("/gpus", method(http.MethodPost, infoHandler.SetAllowedGPUs))

	mux.HandleFunc("/groups/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/groups/")
		if !strings.HasSuffix(path, "/max_concurrent") {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		groupID := strings.TrimSuffix(path, "/max_concurrent")
		r = r.WithContext(setIDContext(r.Context(), "group_id", groupID))
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		infoHandler.SetGroupMaxConcurrent(w, r)
	})

	mux.HandleFunc("/reservations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			reservationHandler.ListReservations(w, r)
		case http.MethodPost:
			reservationHandler.CreateReservation(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/reservations/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/reservations/")
		if path == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		r = r.WithContext(setIDContext(r.Context(), "reservation_id", path))
		switch r.Method {
		case http.MethodGet:
			reservationHandler.GetReservation(w, r)
		case http.MethodDelete:
			reservationHandler.CancelReservation(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(config.CorsAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return middleware.Logging(c.Handler(mux))
}

func method(m string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

// setIDContext adds an ID to the context for handlers to use in place of
// gorilla/mux's path variables.
type contextKey string

func setIDContext(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

// GetIDFromContext gets an ID from the context.
func GetIDFromContext(r *http.Request, key string) string {
	if value, ok := r.Context().Value(contextKey(key)).(string); ok {
		return value
	}
	return ""
}

// GetContextKey returns a context key of the same type used internally.
func GetContextKey(key string) contextKey {
	return contextKey(key)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"disasterRelief/internal/auth"
	"disasterRelief/internal/coordinator"
	"disasterRelief/internal/feed"
	"disasterRelief/internal/location"
	"disasterRelief/internal/metrics"
	"disasterRelief/models"
)

type Server struct {
	coord    *coordinator.Coordinator
	feed     *feed.Feed
	metrics  *metrics.Metrics
	secret   string
	log      *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewServer(coord *coordinator.Coordinator, f *feed.Feed, m *metrics.Metrics, jwtSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coord:    coord,
		feed:     f,
		metrics:  m,
		secret:   jwtSecret,
		log:      logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/users/me", s.handleRegister)
		r.Get("/users/me", s.handleGetMe)
		r.Put("/users/me/location", s.handleUpdateLocation)
		r.Get("/assignments/me", s.handleGetAssignment)
		r.Get("/assignments/me/stream", s.handleStreamAssignment)

		r.With(s.requireKind(auth.KindEvacuee)).Post("/requests", s.handleSubmitRequest)
		r.With(s.requireKind(auth.KindEvacuee)).Delete("/requests/me", s.handleCancelRequest)
		r.With(s.requireKind(auth.KindEvacuee)).Post("/requests/me/reset", s.handleReset)

		r.With(s.requireKind(auth.KindVolunteer)).Get("/requests/open", s.handleListOpen)
		r.With(s.requireKind(auth.KindVolunteer)).Get("/requests/open/stream", s.handleStreamOpen)
		r.With(s.requireKind(auth.KindVolunteer)).Post("/requests/{evacueeId}/offer", s.handleOffer)
		r.With(s.requireKind(auth.KindVolunteer)).Post("/requests/{evacueeId}/complete", s.handleComplete)
		r.With(s.requireKind(auth.KindVolunteer)).Post("/requests/{evacueeId}/abandon", s.handleAbandon)
	})

	return r
}

// Auth

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.ParseFromHeader(r.Header.Get("Authorization"), s.secret)
		if errors.Is(err, auth.ErrMissingToken) {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) requireKind(kind string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.RequireKind(r.Context(), kind); err != nil {
				if status.Code(err) == codes.Unauthenticated {
					writeError(w, http.StatusUnauthorized, "missing_token")
					return
				}
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principal(r *http.Request) *auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// Payloads

// locationPayload is the device fix, or the reason the device could not get one.
type locationPayload struct {
	Location      *models.Location `json:"location,omitempty"`
	LocationError string           `json:"locationError,omitempty" validate:"omitempty,oneof=denied permission_denied unavailable timeout"`
}

func (p locationPayload) provider(now func() time.Time) location.Provider {
	return location.Reported{Fix: p.Location, Failure: p.LocationError, Now: now}
}

type registerRequest struct {
	Email string `json:"email,omitempty"`
}

type submitRequest struct {
	coordinator.SubmitInput
	locationPayload
}

type viewerQuery struct {
	Lat string `validate:"required,latitude"`
	Lng string `validate:"required,longitude"`
}

// viewer reads an optional ?lat=&lng= position used to rank open requests.
func (s *Server) viewer(r *http.Request) (*models.Location, error) {
	q := viewerQuery{Lat: r.URL.Query().Get("lat"), Lng: r.URL.Query().Get("lng")}
	if q.Lat == "" && q.Lng == "" {
		return nil, nil
	}
	if err := s.validate.Struct(q); err != nil {
		return nil, err
	}
	lat, _ := strconv.ParseFloat(q.Lat, 64)
	lng, _ := strconv.ParseFloat(q.Lng, 64)
	return &models.Location{Lat: lat, Lng: lng}, nil
}

// Users

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var body registerRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	email := p.Email
	if email == "" {
		email = strings.TrimSpace(body.Email)
	}
	u, err := s.coord.Register(r.Context(), coordinator.RegisterInput{ID: p.Name, Email: email, Role: models.Role(p.Kind)})
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.coord.Get(r.Context(), principal(r).Name)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var body locationPayload
	if !s.decodeValid(w, r, &body, &body) {
		return
	}
	if err := s.coord.UpdateLocation(r.Context(), principal(r).Name, body.provider(s.now)); err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Requests

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	// Request metadata is validated by the coordinator.
	if !s.decodeValid(w, r, &body, &body.locationPayload) {
		return
	}
	id := principal(r).Name
	if err := s.coord.SubmitRequest(r.Context(), id, body.SubmitInput, body.provider(s.now)); err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	u, err := s.coord.Get(r.Context(), id)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.coord.CancelRequest(r.Context(), principal(r).Name))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.coord.Reset(r.Context(), principal(r).Name))
}

func (s *Server) handleListOpen(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(coordinator.CodeInvalidInput))
		return
	}
	list, err := s.feed.SnapshotOpenRequests(r.Context(), viewer)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var body locationPayload
	if !s.decodeValid(w, r, &body, &body) {
		return
	}
	err := s.coord.OfferHelp(r.Context(), principal(r).Name, chi.URLParam(r, "evacueeId"), body.provider(s.now))
	s.noContent(w, r, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.coord.CompleteAssignment(r.Context(), principal(r).Name, chi.URLParam(r, "evacueeId")))
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.coord.Abandon(r.Context(), principal(r).Name, chi.URLParam(r, "evacueeId")))
}

// Assignments

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.feed.SnapshotAssignment(r.Context(), principal(r).Name)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Streams

func (s *Server) handleStreamOpen(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.viewer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(coordinator.CodeInvalidInput))
		return
	}
	v, err := s.feed.OpenRequests(r.Context(), viewer)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	defer v.Close()
	stream(w, r, "open_requests", v.Updates(), v.Err, s.log)
}

func (s *Server) handleStreamAssignment(w http.ResponseWriter, r *http.Request) {
	v, err := s.feed.MyAssignment(r.Context(), principal(r).Name)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	defer v.Close()
	stream(w, r, "assignment", v.Updates(), v.Err, s.log)
}

// stream writes every update as a server-sent event until the client goes
// away or the view ends. A view that ends on its own gets a final error event.
func stream[T any](w http.ResponseWriter, r *http.Request, event string, updates <-chan T, viewErr func() error, log *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case val, ok := <-updates:
			if !ok {
				if err := viewErr(); err != nil {
					_ = writeEvent(w, "error", map[string]string{"error": string(coordinator.CodeOf(err))})
					flusher.Flush()
				}
				return
			}
			if err := writeEvent(w, event, val); err != nil {
				log.DebugContext(r.Context(), "stream client gone", "event", event, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// Helpers

func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, out, check any) bool {
	if err := decodeJSON(r, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	if err := s.validate.Struct(check); err != nil {
		writeError(w, http.StatusBadRequest, string(coordinator.CodeInvalidInput))
		return false
	}
	return true
}

func (s *Server) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeCoordError(w http.ResponseWriter, r *http.Request, err error) {
	code := coordinator.CodeOf(err)
	st := statusFor(code)
	if st >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeError(w, st, string(code))
}

func statusFor(code coordinator.Code) int {
	switch code {
	case coordinator.CodeInvalidInput:
		return http.StatusBadRequest
	case coordinator.CodeNotFound:
		return http.StatusNotFound
	case coordinator.CodeAlreadyClaimed, coordinator.CodeInvalidState:
		return http.StatusConflict
	case coordinator.CodeNotAssigned, coordinator.CodeLocationDenied, coordinator.CodeLocationUnavailable, coordinator.CodeLocationTimeout:
		return http.StatusUnprocessableEntity
	case coordinator.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func decodeOptionalJSON(r *http.Request, out interface{}) error {
	if err := decodeJSON(r, out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// Serve listens on addr and serves the router in the background. The returned
// function shuts the server down gracefully.
func (s *Server) Serve(addr string) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()
	return srv.Shutdown, nil
}

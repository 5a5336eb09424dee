// Package web is the HTTP surface: dictionary lifecycle, preview and
// conversion, exports, instance registration, cache observability.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Mafende-III/metadata-dictionary-sub002/internal/cache"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/creds"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/dhis"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/export"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/mapper"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/processor"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/store"
)

// ErrInvalidInput marks malformed or incomplete request payloads.
var ErrInvalidInput = errors.New("web: invalid input")

// maxBodyBytes caps request bodies; preview payloads can be large but are
// still bounded.
const maxBodyBytes = 10 * 1024 * 1024

// Service wires the HTTP handlers to the domain components.
type Service struct {
	store    *store.Store
	coord    *processor.Coordinator
	registry *processor.Registry
	exec     *dhis.Executor
	agg      *export.Aggregator
	keeper   *creds.Keeper
	resolve  processor.InstanceResolver
	caches   map[string]*cache.Cache[*dhis.Result]
	logger   *slog.Logger
}

// New creates the Service. caches maps a display name to each shared cache
// so the stats endpoint can report both.
func New(st *store.Store, coord *processor.Coordinator, reg *processor.Registry, exec *dhis.Executor, agg *export.Aggregator, keeper *creds.Keeper, resolve processor.InstanceResolver, caches map[string]*cache.Cache[*dhis.Result], logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		coord:    coord,
		registry: reg,
		exec:     exec,
		agg:      agg,
		keeper:   keeper,
		resolve:  resolve,
		caches:   caches,
		logger:   logger,
	}
}

// RegisterHTTP mounts all endpoints on the router.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Route("/api/dictionaries", func(r chi.Router) {
		r.Get("/", s.handleListDictionaries)
		r.Post("/preview", s.handlePreview)
		r.Post("/convert-table", s.handleConvertTable)
		r.Post("/save-from-preview", s.handleSaveFromPreview)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDictionary)
			r.Patch("/", s.handleUpdateDictionary)
			r.Post("/process", s.handleProcess)
			r.Get("/process", s.handleProcessStatus)
			r.Get("/export/combined", s.handleExportCombined)
			r.Get("/export/variable/{variableID}", s.handleExportVariable)
		})
	})

	r.Route("/api/instances", func(r chi.Router) {
		r.Post("/", s.handleCreateInstance)
		r.Get("/", s.handleListInstances)
	})

	r.Get("/api/cache/stats", s.handleCacheStats)
	r.Delete("/api/cache", s.handleCacheInvalidate)
}

// ---- process lifecycle ----

type processRequest struct {
	Action  string `json:"action"`
	Options struct {
		Params      map[string]string `json:"params,omitempty"`
		BypassCache bool              `json:"bypass_cache,omitempty"`
	} `json:"options"`
}

type processResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DictionaryID string `json:"dictionaryId"`
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req processRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	opts := processor.Options{Params: req.Options.Params, BypassCache: req.Options.BypassCache}

	var err error
	var message string
	switch req.Action {
	case "start":
		err = s.coord.Start(r.Context(), id, opts)
		message = "processing started"
	case "reprocess":
		err = s.coord.Reprocess(r.Context(), id, opts)
		message = "reprocessing started"
	case "cancel":
		if !s.coord.Cancel(id) {
			err = store.ErrNotFound
		}
		message = "cancellation requested"
	default:
		err = errInput("action must be start, cancel or reprocess")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{Success: true, Message: message, DictionaryID: id})
}

func (s *Service) handleProcessStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resp := map[string]any{
		"dictionaryId":  id,
		"isProcessing":  s.registry.IsProcessing(id),
		"allActiveJobs": s.registry.Active(),
	}
	if progress, ok := s.registry.ProgressOf(id); ok {
		resp["activeJobs"] = progress
	} else {
		resp["activeJobs"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- dictionaries ----

func (s *Service) handleListDictionaries(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListDictionaries(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []*store.Dictionary{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleGetDictionary(w http.ResponseWriter, r *http.Request) {
	dict, err := s.store.GetDictionary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dict)
}

func (s *Service) handleUpdateDictionary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, errInput("name is required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.UpdateDictionaryInfo(r.Context(), id, req.Name, req.Description); err != nil {
		s.writeError(w, err)
		return
	}
	dict, err := s.store.GetDictionary(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dict)
}

// ---- exports ----

func (s *Service) handleExportCombined(w http.ResponseWriter, r *http.Request) {
	doc, err := s.agg.ExportCombined(r.Context(), chi.URLParam(r, "id"), exportFormat(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeDocument(w, doc)
}

func (s *Service) handleExportVariable(w http.ResponseWriter, r *http.Request) {
	doc, err := s.agg.ExportVariable(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "variableID"), exportFormat(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeDocument(w, doc)
}

func exportFormat(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	return export.FormatJSON
}

func writeDocument(w http.ResponseWriter, doc *export.Document) {
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(doc.Body)
}

// ---- instances ----

type createInstanceRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Service) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" || req.BaseURL == "" || req.Username == "" || req.Password == "" {
		s.writeError(w, errInput("name, base_url, username and password are required"))
		return
	}

	sealed, err := s.keeper.Seal(req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	inst := &store.Instance{
		ID:          uuid.New().String(),
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		SealedCreds: sealed,
	}
	if err := s.store.InsertInstance(r.Context(), inst); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Service) handleListInstances(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListInstances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []*store.Instance{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ---- cache observability ----

func (s *Service) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]cache.Stats, len(s.caches))
	for name, c := range s.caches {
		stats[name] = c.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		s.writeError(w, errInput("pattern query parameter is required"))
		return
	}
	removed := 0
	for _, c := range s.caches {
		removed += c.Invalidate(pattern)
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// ---- shared helpers ----

func decodeBody(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errInput("malformed JSON body")
	}
	return nil
}

func errInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var upstream *dhis.UpstreamError

	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, processor.ErrJobRunning):
		status = http.StatusConflict
	case errors.As(err, &upstream), errors.Is(err, dhis.ErrNoCredentials):
		status = http.StatusBadGateway
	case isInputError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("web: request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// inputErrors all map to 400: the request itself was wrong.
var inputErrors = []error{
	ErrInvalidInput,
	export.ErrBadFormat,
	mapper.ErrBadType,
	mapper.ErrBadUID,
}

func isInputError(err error) bool {
	for _, target := range inputErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

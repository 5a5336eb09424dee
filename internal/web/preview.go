package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mafende-III/metadata-dictionary-sub002/internal/mapper"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/store"
)

// Preview flow: run a bounded slice of the SQL view, let the user inspect
// and convert it, then persist the approved result as a dictionary.

type previewRequest struct {
	InstanceID     string            `json:"instance_id"`
	SQLViewID      string            `json:"sql_view_id"`
	MetadataType   string            `json:"metadata_type"`
	GroupID        string            `json:"group_id,omitempty"`
	DictionaryName string            `json:"dictionary_name,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
}

type previewResponse struct {
	PreviewID     string   `json:"preview_id"`
	RawData       [][]any  `json:"raw_data"`
	Headers       []string `json:"headers"`
	RowCount      int      `json:"row_count"`
	PreviewCount  int      `json:"preview_count"`
	Status        string   `json:"status"`
	ExecutionTime int64    `json:"execution_time"`
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.InstanceID == "" || req.SQLViewID == "" {
		s.writeError(w, errInput("instance_id and sql_view_id are required"))
		return
	}
	if req.MetadataType != "" && !mapper.ValidType(req.MetadataType) {
		s.writeError(w, errInput("unknown metadata_type "+req.MetadataType))
		return
	}

	inst, err := s.resolve(r.Context(), req.InstanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	params := make(map[string]string, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	if req.GroupID != "" {
		params["groupId"] = req.GroupID
	}

	res, err := s.exec.Preview(r.Context(), inst, req.SQLViewID, params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, previewResponse{
		PreviewID:     uuid.New().String(),
		RawData:       res.Rows,
		Headers:       res.Headers,
		RowCount:      res.RowCount,
		PreviewCount:  len(res.Rows),
		Status:        "preview",
		ExecutionTime: res.ElapsedMs,
	})
}

type convertTableRequest struct {
	PreviewID string   `json:"preview_id"`
	RawData   [][]any  `json:"raw_data"`
	Headers   []string `json:"headers"`
}

type convertTableResponse struct {
	StructuredData  []*mapper.Candidate       `json:"structured_data"`
	DetectedColumns []string                  `json:"detected_columns"`
	ColumnMetadata  map[string]columnMetadata `json:"column_metadata"`
	QualityScore    float64                   `json:"quality_score"`
	TotalRows       int                       `json:"total_rows"`
}

type columnMetadata struct {
	SampleValue any  `json:"sample_value"`
	NonEmpty    int  `json:"non_empty"`
	LooksLikeID bool `json:"looks_like_id"`
}

func (s *Service) handleConvertTable(w http.ResponseWriter, r *http.Request) {
	var req convertTableRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.RawData) == 0 {
		s.writeError(w, errInput("raw_data is empty"))
		return
	}

	rows := mapper.RowsToMaps(req.Headers, req.RawData)
	columns := req.Headers
	if len(columns) == 0 {
		columns = mapper.DetectColumns(rows)
	}

	var candidates []*mapper.Candidate
	qualitySum := 0
	for _, row := range rows {
		cand, err := mapper.MapRow(row, columns)
		if err != nil {
			continue
		}
		candidates = append(candidates, cand)
		qualitySum += cand.QualityScore
	}
	if candidates == nil {
		candidates = []*mapper.Candidate{}
	}

	quality := 0.0
	if len(candidates) > 0 {
		quality = float64(qualitySum) / float64(len(candidates))
	}

	writeJSON(w, http.StatusOK, convertTableResponse{
		StructuredData:  candidates,
		DetectedColumns: columns,
		ColumnMetadata:  describeColumns(rows, columns),
		QualityScore:    quality,
		TotalRows:       len(req.RawData),
	})
}

// describeColumns profiles each column over the preview rows.
func describeColumns(rows []map[string]any, columns []string) map[string]columnMetadata {
	meta := make(map[string]columnMetadata, len(columns))
	for _, col := range columns {
		m := columnMetadata{}
		for _, row := range rows {
			v, ok := row[col]
			if !ok || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr {
				if s == "" {
					continue
				}
				if mapper.IsUID(s) {
					m.LooksLikeID = true
				}
			}
			if m.SampleValue == nil {
				m.SampleValue = v
			}
			m.NonEmpty++
		}
		meta[col] = m
	}
	return meta
}

type saveFromPreviewRequest struct {
	InstanceID       string              `json:"instance_id"`
	SQLViewID        string              `json:"sql_view_id"`
	MetadataType     string              `json:"metadata_type"`
	DictionaryName   string              `json:"dictionary_name"`
	Description      string              `json:"description,omitempty"`
	GroupID          string              `json:"group_id,omitempty"`
	ProcessingMethod string              `json:"processing_method,omitempty"`
	Period           string              `json:"period,omitempty"`
	StructuredData   []*mapper.Candidate `json:"structured_data"`
	DetectedColumns  []string            `json:"detected_columns"`
}

type saveFromPreviewResponse struct {
	DictionaryID  string            `json:"dictionary_id"`
	VariableCount int               `json:"variable_count"`
	FailedCount   int               `json:"failed_count"`
	Status        string            `json:"status"`
	Sample        []*store.Variable `json:"sample"`
}

// handleSaveFromPreview persists an approved preview: one dictionary plus
// its variables, already mapped client-side via convert-table.
func (s *Service) handleSaveFromPreview(w http.ResponseWriter, r *http.Request) {
	var req saveFromPreviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.InstanceID == "" || req.SQLViewID == "" || req.DictionaryName == "" {
		s.writeError(w, errInput("instance_id, sql_view_id and dictionary_name are required"))
		return
	}
	if !mapper.ValidType(req.MetadataType) {
		s.writeError(w, errInput("unknown metadata_type "+req.MetadataType))
		return
	}
	if len(req.StructuredData) == 0 {
		s.writeError(w, errInput("structured_data is empty"))
		return
	}

	inst, err := s.resolve(r.Context(), req.InstanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	dict := &store.Dictionary{
		ID:               uuid.New().String(),
		Name:             req.DictionaryName,
		Description:      req.Description,
		InstanceID:       req.InstanceID,
		MetadataType:     req.MetadataType,
		SQLViewID:        req.SQLViewID,
		GroupFilter:      req.GroupID,
		ProcessingMethod: req.ProcessingMethod,
		Period:           req.Period,
	}
	if err := s.store.InsertDictionary(ctx, dict); err != nil {
		s.writeError(w, err)
		return
	}

	saved, failed := 0, 0
	qualitySum := 0
	start := time.Now()
	for _, cand := range req.StructuredData {
		v, err := candidateToVariable(dict, inst.BaseURL, cand)
		if err != nil {
			failed++
			continue
		}
		if err := s.store.UpsertVariable(ctx, v); err != nil {
			failed++
			continue
		}
		saved++
		qualitySum += cand.QualityScore
	}

	status := store.StatusActive
	if saved == 0 {
		status = store.StatusError
	}
	successRate := 0.0
	qualityAvg := 0.0
	if saved+failed > 0 {
		successRate = 100 * float64(saved) / float64(saved+failed)
	}
	if saved > 0 {
		qualityAvg = float64(qualitySum) / float64(saved)
	}
	errMsg := ""
	if failed > 0 {
		errMsg = fmt.Sprintf("%d of %d preview rows could not be saved", failed, saved+failed)
	}
	if err := s.store.FinalizeDictionary(ctx, dict.ID, status, saved, successRate, qualityAvg,
		time.Since(start).Milliseconds(), errMsg); err != nil {
		s.writeError(w, err)
		return
	}

	vars, err := s.store.ListVariables(ctx, dict.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	const sampleSize = 5
	if len(vars) > sampleSize {
		vars = vars[:sampleSize]
	}

	writeJSON(w, http.StatusCreated, saveFromPreviewResponse{
		DictionaryID:  dict.ID,
		VariableCount: saved,
		FailedCount:   failed,
		Status:        status,
		Sample:        vars,
	})
}

func candidateToVariable(dict *store.Dictionary, baseURL string, cand *mapper.Candidate) (*store.Variable, error) {
	urls, err := mapper.DeriveURLs(cand.UID, dict.MetadataType, baseURL)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(cand.Payload)
	if err != nil {
		return nil, err
	}
	return &store.Variable{
		ID:            uuid.New().String(),
		DictionaryID:  dict.ID,
		UID:           cand.UID,
		Name:          cand.Name,
		MetadataType:  dict.MetadataType,
		QualityScore:  cand.QualityScore,
		Status:        store.VarStatusSuccess,
		PayloadJSON:   string(payload),
		AnalyticsURL:  urls.Analytics,
		MetadataURL:   urls.Metadata,
		DataValuesURL: urls.DataValues,
		WebUIURL:      urls.WebUI,
		ExportURL:     urls.Export,
	}, nil
}

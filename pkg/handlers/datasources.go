package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/catalog"
	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/repositories"
)

// DataSourceResponse is the wire shape of a connected data source. Tokens
// and API keys never leave the engine; only their presence is reported.
type DataSourceResponse struct {
	ID             string    `json:"id"`
	CompanyID      string    `json:"company_id"`
	ServiceType    string    `json:"service_type"`
	HasCredentials bool      `json:"has_credentials"`
	TokenExpiresAt string    `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateDataSourceRequest for POST body. Config carries the initial
// credentials plus any service-specific fields (cloud id, instance URL...).
type CreateDataSourceRequest struct {
	CompanyID   string               `json:"company_id"`
	ServiceType string               `json:"service_type"`
	Config      models.ServiceConfig `json:"config"`
}

// ListDataSourcesResponse wraps the array for the presentation layer.
type ListDataSourcesResponse struct {
	DataSources []DataSourceResponse `json:"data_sources"`
}

// ServiceInfo describes one supported connector service.
type ServiceInfo struct {
	Type      string   `json:"type"`
	Auth      string   `json:"auth"`
	Resources []string `json:"resources"`
}

// DatasourcesHandler handles data source management HTTP requests.
type DatasourcesHandler struct {
	repo    repositories.DatasourceRepository
	catalog *catalog.Catalog
	logger  *zap.Logger
}

func NewDatasourcesHandler(repo repositories.DatasourceRepository, cat *catalog.Catalog, logger *zap.Logger) *DatasourcesHandler {
	return &DatasourcesHandler{repo: repo, catalog: cat, logger: logger}
}

// RegisterRoutes registers the datasources handler's routes on the given mux.
func (h *DatasourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/services", h.ListServices)
	mux.HandleFunc("POST /api/datasources", h.Create)
	mux.HandleFunc("GET /api/companies/{cid}/datasources", h.ListByCompany)
	mux.HandleFunc("DELETE /api/datasources/{id}", h.Delete)
}

// ListServices handles GET /api/services.
func (h *DatasourcesHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	var services []ServiceInfo
	for _, t := range h.catalog.Services() {
		desc, err := h.catalog.Get(t)
		if err != nil {
			continue
		}
		info := ServiceInfo{Type: string(t), Auth: string(desc.Auth)}
		for _, res := range desc.Resources {
			info.Resources = append(info.Resources, res.Table())
		}
		services = append(services, info)
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"services": services}); err != nil {
		h.logger.Error("Failed to encode services response", zap.Error(err))
	}
}

// Create handles POST /api/datasources.
func (h *DatasourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "company_id must be a UUID")
		return
	}

	ds := &models.DataSource{
		ID:          uuid.New(),
		CompanyID:   companyID,
		ServiceType: models.ServiceType(req.ServiceType),
		Config:      req.Config,
	}

	// Resolve validates both the service type and the config variant.
	if _, err := h.catalog.Resolve(ds); err != nil {
		_ = WriteError(w, err)
		return
	}

	if err := h.repo.Create(r.Context(), ds); err != nil {
		h.logger.Error("Failed to create data source",
			zap.String("company_id", companyID.String()),
			zap.String("service", req.ServiceType),
			zap.Error(err))
		_ = WriteError(w, err)
		return
	}

	h.logger.Info("Connected data source",
		zap.String("company_id", companyID.String()),
		zap.String("service", req.ServiceType))
	if err := WriteJSON(w, http.StatusCreated, toDataSourceResponse(ds)); err != nil {
		h.logger.Error("Failed to encode data source response", zap.Error(err))
	}
}

// ListByCompany handles GET /api/companies/{cid}/datasources.
func (h *DatasourcesHandler) ListByCompany(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(r.PathValue("cid"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "company id must be a UUID")
		return
	}

	sources, err := h.repo.ListByCompany(r.Context(), companyID)
	if err != nil {
		h.logger.Error("Failed to list data sources", zap.Error(err))
		_ = WriteError(w, err)
		return
	}

	response := ListDataSourcesResponse{DataSources: make([]DataSourceResponse, 0, len(sources))}
	for _, ds := range sources {
		response.DataSources = append(response.DataSources, toDataSourceResponse(ds))
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode data sources response", zap.Error(err))
	}
}

// Delete handles DELETE /api/datasources/{id}.
func (h *DatasourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "data source id must be a UUID")
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			h.logger.Error("Failed to delete data source", zap.String("id", id.String()), zap.Error(err))
		}
		_ = WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toDataSourceResponse(ds *models.DataSource) DataSourceResponse {
	resp := DataSourceResponse{
		ID:             ds.ID.String(),
		CompanyID:      ds.CompanyID.String(),
		ServiceType:    string(ds.ServiceType),
		HasCredentials: ds.Config.Credentials.AccessToken != "",
		CreatedAt:      ds.CreatedAt,
		UpdatedAt:      ds.UpdatedAt,
	}
	if !ds.Config.Credentials.ExpiresAt.IsZero() {
		resp.TokenExpiresAt = ds.Config.Credentials.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

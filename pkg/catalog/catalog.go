package catalog

import (
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/models"
)

// AuthStyle distinguishes OAuth services from static API-key services.
type AuthStyle string

const (
	AuthOAuth  AuthStyle = "oauth"
	AuthAPIKey AuthStyle = "apikey"
)

// RateLimit is the client-side limit enforced for a service, regardless of
// what the server reports. The bucket is shared by all tenants because the
// limit is imposed per integration app, not per tenant.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

// ResourceSpec describes one API resource a connector syncs. Name is
// singular; the synced table name is its plural form.
type ResourceSpec struct {
	// Name is the singular resource name, e.g. "deal".
	Name string
	// Path is relative to the resolved API base URL.
	Path string
	// Method defaults to GET when empty.
	Method string
	// Body is sent verbatim on POST resources (GraphQL services).
	Body string
	// RecordsField locates the record array in the response body.
	// Dotted paths descend into nested objects ("data.boards").
	RecordsField string
	// IDField is the unique identifier field within each record.
	IDField string
	// PageParam is the offset/cursor query parameter; empty means the
	// resource is fetched in a single page.
	PageParam string
	// PageSizeParam and PageSize control page sizing when paginated.
	PageSizeParam string
	PageSize      int
	// PageNumbered marks services whose PageParam counts pages from 1
	// instead of records from 0.
	PageNumbered bool
	// NextCursorField locates the next-page cursor in the response;
	// empty means numeric offset paging.
	NextCursorField string
}

// Table returns the tenant table this resource syncs into.
func (r ResourceSpec) Table() string {
	return inflection.Plural(r.Name)
}

// ServiceDescriptor is the immutable, process-wide connector metadata for
// one service type. AuthorizationURL/TokenURL are empty for API-key
// services; APIBaseURL is empty when the real value is substituted from
// tenant config at connection time.
type ServiceDescriptor struct {
	Type             models.ServiceType
	Auth             AuthStyle
	AuthorizationURL string
	TokenURL         string
	APIBaseURL       string
	// AuthHeader overrides the default "Authorization: Bearer <token>"
	// header for services with bespoke schemes.
	AuthHeader string
	RateLimit  RateLimit
	Resources  []ResourceSpec
}

// Catalog is the static registry of supported services.
type Catalog struct {
	descriptors map[models.ServiceType]ServiceDescriptor
}

// New returns the built-in service registry.
func New() *Catalog {
	c := &Catalog{descriptors: make(map[models.ServiceType]ServiceDescriptor)}
	for _, d := range builtinDescriptors {
		c.descriptors[d.Type] = d
	}
	return c
}

// Get returns the descriptor for a service type.
func (c *Catalog) Get(t models.ServiceType) (ServiceDescriptor, error) {
	d, ok := c.descriptors[t]
	if !ok {
		return ServiceDescriptor{}, fmt.Errorf("unsupported service type %q: %w", t, apperrors.ErrNotFound)
	}
	return d, nil
}

// Services lists the registered service types.
func (c *Catalog) Services() []models.ServiceType {
	types := make([]models.ServiceType, 0, len(c.descriptors))
	for t := range c.descriptors {
		types = append(types, t)
	}
	return types
}

// Resolve returns a copy of the service descriptor with any dynamic URLs
// substituted from the data source's config. It validates the config and
// reports apperrors.ErrInvalidConfig when a dynamic service lacks the
// fields it needs.
func (c *Catalog) Resolve(ds *models.DataSource) (ServiceDescriptor, error) {
	d, err := c.Get(ds.ServiceType)
	if err != nil {
		return ServiceDescriptor{}, err
	}
	if err := ds.Validate(); err != nil {
		return ServiceDescriptor{}, err
	}

	switch ds.ServiceType {
	case models.ServiceJira:
		d.APIBaseURL = fmt.Sprintf("https://api.atlassian.com/ex/jira/%s/rest/api/3", ds.Config.Jira.CloudID)
	case models.ServiceZoho:
		d.APIBaseURL = strings.TrimSuffix(ds.Config.Zoho.APIDomain, "/") + "/crm/v2"
		if ds.Config.Zoho.AccountsServer != "" {
			d.TokenURL = strings.TrimSuffix(ds.Config.Zoho.AccountsServer, "/") + "/oauth/v2/token"
		}
	case models.ServiceMailchimp:
		d.APIBaseURL = fmt.Sprintf("https://%s.api.mailchimp.com/3.0", ds.Config.Mailchimp.DC)
	case models.ServiceOdoo:
		d.APIBaseURL = strings.TrimSuffix(ds.Config.Odoo.InstanceURL, "/") + "/api"
	case models.ServiceActiveCampaign:
		d.APIBaseURL = strings.TrimSuffix(ds.Config.ActiveCampaign.AccountURL, "/") + "/api/3"
	}

	return d, nil
}

// builtinDescriptors is the fixed connector metadata for every supported
// service. Rate limits are the documented service-imposed ceilings and are
// enforced client-side even if the server would allow more.
var builtinDescriptors = []ServiceDescriptor{
	{
		Type:             models.ServiceJira,
		Auth:             AuthOAuth,
		AuthorizationURL: "https://auth.atlassian.com/authorize",
		TokenURL:         "https://auth.atlassian.com/oauth/token",
		// APIBaseURL is per-instance, substituted from the cloud id.
		RateLimit: RateLimit{RequestsPerSecond: 10, Burst: 10, MaxRetries: 4},
		Resources: []ResourceSpec{
			{Name: "issue", Path: "/search", RecordsField: "issues", IDField: "id",
				PageParam: "startAt", PageSizeParam: "maxResults", PageSize: 100},
			{Name: "project", Path: "/project/search", RecordsField: "values", IDField: "id",
				PageParam: "startAt", PageSizeParam: "maxResults", PageSize: 50},
		},
	},
	{
		Type:             models.ServiceHubspot,
		Auth:             AuthOAuth,
		AuthorizationURL: "https://app.hubspot.com/oauth/authorize",
		TokenURL:         "https://api.hubapi.com/oauth/v1/token",
		APIBaseURL:       "https://api.hubapi.com",
		RateLimit:        RateLimit{RequestsPerSecond: 10, Burst: 10, MaxRetries: 4},
		Resources: []ResourceSpec{
			{Name: "deal", Path: "/crm/v3/objects/deals", RecordsField: "results", IDField: "id",
				PageParam: "after", PageSizeParam: "limit", PageSize: 100, NextCursorField: "paging.next.after"},
			{Name: "contact", Path: "/crm/v3/objects/contacts", RecordsField: "results", IDField: "id",
				PageParam: "after", PageSizeParam: "limit", PageSize: 100, NextCursorField: "paging.next.after"},
			{Name: "company", Path: "/crm/v3/objects/companies", RecordsField: "results", IDField: "id",
				PageParam: "after", PageSizeParam: "limit", PageSize: 100, NextCursorField: "paging.next.after"},
		},
	},
	{
		Type: models.ServiceOdoo,
		Auth: AuthAPIKey,
		// Instance URL comes from tenant config; Odoo uses a static API key.
		RateLimit: RateLimit{RequestsPerSecond: 5, Burst: 5, MaxRetries: 3},
		Resources: []ResourceSpec{
			{Name: "lead", Path: "/crm.lead", RecordsField: "result", IDField: "id",
				PageParam: "offset", PageSizeParam: "limit", PageSize: 200},
			{Name: "sale_order", Path: "/sale.order", RecordsField: "result", IDField: "id",
				PageParam: "offset", PageSizeParam: "limit", PageSize: 200},
		},
	},
	{
		Type:             models.ServiceZoho,
		Auth:             AuthOAuth,
		AuthorizationURL: "https://accounts.zoho.com/oauth/v2/auth",
		TokenURL:         "https://accounts.zoho.com/oauth/v2/token",
		// API domain is region-specific, substituted from tenant config.
		RateLimit: RateLimit{RequestsPerSecond: 2, Burst: 4, MaxRetries: 3},
		Resources: []ResourceSpec{
			{Name: "deal", Path: "/Deals", RecordsField: "data", IDField: "id",
				PageParam: "page", PageSizeParam: "per_page", PageSize: 200, PageNumbered: true},
			{Name: "contact", Path: "/Contacts", RecordsField: "data", IDField: "id",
				PageParam: "page", PageSizeParam: "per_page", PageSize: 200, PageNumbered: true},
		},
	},
	{
		Type:       models.ServiceActiveCampaign,
		Auth:       AuthAPIKey,
		AuthHeader: "Api-Token",
		// Account URL comes from tenant config.
		RateLimit: RateLimit{RequestsPerSecond: 5, Burst: 5, MaxRetries: 3},
		Resources: []ResourceSpec{
			{Name: "contact", Path: "/contacts", RecordsField: "contacts", IDField: "id",
				PageParam: "offset", PageSizeParam: "limit", PageSize: 100},
			{Name: "deal", Path: "/deals", RecordsField: "deals", IDField: "id",
				PageParam: "offset", PageSizeParam: "limit", PageSize: 100},
		},
	},
	{
		Type:             models.ServiceMailchimp,
		Auth:             AuthOAuth,
		AuthorizationURL: "https://login.mailchimp.com/oauth2/authorize",
		TokenURL:         "https://login.mailchimp.com/oauth2/token",
		// Base URL is derived from the account's data-center prefix.
		RateLimit: RateLimit{RequestsPerSecond: 10, Burst: 10, MaxRetries: 3},
		Resources: []ResourceSpec{
			{Name: "list", Path: "/lists", RecordsField: "lists", IDField: "id",
				PageParam: "offset", PageSizeParam: "count", PageSize: 100},
			{Name: "campaign", Path: "/campaigns", RecordsField: "campaigns", IDField: "id",
				PageParam: "offset", PageSizeParam: "count", PageSize: 100},
		},
	},
	{
		Type:       models.ServiceMonday,
		Auth:       AuthAPIKey,
		APIBaseURL: "https://api.monday.com/v2",
		// monday.com wants the raw token in Authorization, no Bearer prefix.
		AuthHeader: "Authorization",
		RateLimit:  RateLimit{RequestsPerSecond: 5, Burst: 5, MaxRetries: 3},
		Resources: []ResourceSpec{
			{Name: "board", Method: "POST",
				Body:         `{"query":"{ boards (limit: 100) { id name state items_count } }"}`,
				RecordsField: "data.boards", IDField: "id"},
		},
	},
	{
		Type:             models.ServiceAsana,
		Auth:             AuthOAuth,
		AuthorizationURL: "https://app.asana.com/-/oauth_authorize",
		TokenURL:         "https://app.asana.com/-/oauth_token",
		APIBaseURL:       "https://app.asana.com/api/1.0",
		RateLimit:        RateLimit{RequestsPerSecond: 2.5, Burst: 5, MaxRetries: 3},
		Resources: []ResourceSpec{
			{Name: "project", Path: "/projects", RecordsField: "data", IDField: "gid",
				PageParam: "offset", PageSizeParam: "limit", PageSize: 100, NextCursorField: "next_page.offset"},
			{Name: "task", Path: "/tasks", RecordsField: "data", IDField: "gid",
				PageParam: "offset", PageSizeParam: "limit", PageSize: 100, NextCursorField: "next_page.offset"},
		},
	},
}

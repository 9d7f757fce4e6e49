package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
)

// ServiceType identifies a supported external service.
type ServiceType string

const (
	ServiceJira           ServiceType = "jira"
	ServiceHubspot        ServiceType = "hubspot"
	ServiceOdoo           ServiceType = "odoo"
	ServiceZoho           ServiceType = "zoho"
	ServiceActiveCampaign ServiceType = "activecampaign"
	ServiceMailchimp      ServiceType = "mailchimp"
	ServiceMonday         ServiceType = "monday"
	ServiceAsana          ServiceType = "asana"
)

// DataSource represents one connected external service for a company.
// Config holds the credentials plus any service-specific connection fields.
// Token fields are mutated only by the token manager; discovery fields only
// at connection setup time.
type DataSource struct {
	ID          uuid.UUID     `json:"id"`
	CompanyID   uuid.UUID     `json:"company_id"`
	ServiceType ServiceType   `json:"service_type"`
	Config      ServiceConfig `json:"config"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// OAuthCredentials holds the token material for a data source.
// For API-key services AccessToken carries the static key and the other
// fields stay zero.
type OAuthCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// LiveAt reports whether the access token is still usable at now, treating
// a token that expires within the skew margin as already expired so a
// request never starts with a token that dies mid-flight. Tokens without an
// expiry (static API keys) are always live.
func (c OAuthCredentials) LiveAt(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-skew))
}

// ServiceConfig is the per-service configuration stored on a DataSource.
// Exactly one of the service-specific variants is set, matching the
// DataSource's ServiceType; services without extra connection fields
// (hubspot, monday, asana) use only Credentials.
type ServiceConfig struct {
	Credentials OAuthCredentials `json:"credentials"`

	Jira           *JiraConfig           `json:"jira,omitempty"`
	Odoo           *OdooConfig           `json:"odoo,omitempty"`
	Zoho           *ZohoConfig           `json:"zoho,omitempty"`
	ActiveCampaign *ActiveCampaignConfig `json:"activecampaign,omitempty"`
	Mailchimp      *MailchimpConfig      `json:"mailchimp,omitempty"`
}

// JiraConfig holds the Atlassian cloud instance discovered during setup.
// The API base URL is derived from CloudID at connection time.
type JiraConfig struct {
	CloudID string `json:"cloud_id"`
	SiteURL string `json:"site_url,omitempty"`
}

// OdooConfig holds the customer's Odoo instance location. Odoo uses a
// static API key, so there are no OAuth endpoints for it.
type OdooConfig struct {
	InstanceURL string `json:"instance_url"`
	Database    string `json:"database"`
}

// ZohoConfig holds the region-specific Zoho endpoints returned by the
// token grant (Zoho routes tenants to per-region API domains).
type ZohoConfig struct {
	APIDomain      string `json:"api_domain"`
	AccountsServer string `json:"accounts_server,omitempty"`
}

// ActiveCampaignConfig holds the per-account API base URL. ActiveCampaign
// uses a static API key.
type ActiveCampaignConfig struct {
	AccountURL string `json:"account_url"`
}

// MailchimpConfig holds the data-center prefix discovered from the OAuth
// metadata endpoint; the API base URL is derived from it.
type MailchimpConfig struct {
	DC string `json:"dc"`
}

// Validate checks that the config carries the variant and credential fields
// the data source's service type requires.
func (ds *DataSource) Validate() error {
	if ds.Config.Credentials.AccessToken == "" {
		return apperrors.ErrInvalidConfig
	}
	switch ds.ServiceType {
	case ServiceJira:
		if ds.Config.Jira == nil || ds.Config.Jira.CloudID == "" {
			return apperrors.ErrInvalidConfig
		}
	case ServiceOdoo:
		if ds.Config.Odoo == nil || ds.Config.Odoo.InstanceURL == "" {
			return apperrors.ErrInvalidConfig
		}
	case ServiceZoho:
		if ds.Config.Zoho == nil || ds.Config.Zoho.APIDomain == "" {
			return apperrors.ErrInvalidConfig
		}
	case ServiceActiveCampaign:
		if ds.Config.ActiveCampaign == nil || ds.Config.ActiveCampaign.AccountURL == "" {
			return apperrors.ErrInvalidConfig
		}
	case ServiceMailchimp:
		if ds.Config.Mailchimp == nil || ds.Config.Mailchimp.DC == "" {
			return apperrors.ErrInvalidConfig
		}
	case ServiceHubspot, ServiceMonday, ServiceAsana:
		// Credentials only.
	default:
		return apperrors.ErrInvalidConfig
	}
	return nil
}

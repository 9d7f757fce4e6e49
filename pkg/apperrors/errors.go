package apperrors

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrTokenExpired   = errors.New("token expired")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrInvalidConfig  = errors.New("invalid data source config")
	ErrAPIError       = errors.New("api request failed")
	ErrProvisionError = errors.New("tenant schema provisioning failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrSyncInProgress = errors.New("sync already in progress")
)

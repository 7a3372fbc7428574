package domain

import "errors"

var (
	ErrAdmissionRejected = errors.New("admission_rejected")
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrPipelineDisabled  = errors.New("pipeline disabled")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInfrastructure    = errors.New("infrastructure_error")
	ErrPipelineFailure   = errors.New("pipeline_error")
	ErrSyncConflict      = errors.New("sync_conflict")
	ErrAuthFailure       = errors.New("auth_failure")
	ErrRepoNotConfigured = errors.New("repository not configured")
)

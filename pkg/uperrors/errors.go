// Package uperrors defines the error-kind taxonomy the orchestrator
// and verifier use to decide whether a failure aborts the current
// cycle, the process, or just the item in hand.
package uperrors

import (
	"fmt"

	"github.com/cuemby/uptane-agent/pkg/types"
)

type Kind int

const (
	ConfigError Kind = iota
	ProvisioningError
	NetworkError
	MetadataError
	TargetMismatchError
	StorageError
	InstallError
	SecondaryError
	ReportError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "config_error"
	case ProvisioningError:
		return "provisioning_error"
	case NetworkError:
		return "network_error"
	case MetadataError:
		return "metadata_error"
	case TargetMismatchError:
		return "target_mismatch_error"
	case StorageError:
		return "storage_error"
	case InstallError:
		return "install_error"
	case SecondaryError:
		return "secondary_error"
	case ReportError:
		return "report_error"
	default:
		return "unknown_error"
	}
}

// Error is the structured error carried across component boundaries.
// Repo/Role are optional context, set whenever the failure originates
// from metadata verification or fetching.
type Error struct {
	Kind    Kind
	Repo    types.RepositoryId
	Role    types.Role
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Repo != "" {
		return fmt.Sprintf("%s: %s/%s: %s", e.Kind, e.Repo, e.Role, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func WithRole(kind Kind, repo types.RepositoryId, role types.Role, cause error, msg string) *Error {
	return &Error{Kind: kind, Repo: repo, Role: role, Message: msg, Cause: cause}
}

// Specific metadata-verifier error kinds, carried via MetadataError
// with a Reason discriminant so callers can branch on it without
// string matching.
type MetadataReason int

const (
	ReasonInvalidMetadata MetadataReason = iota
	ReasonUnmetThreshold
	ReasonExpiredMetadata
	ReasonRootRotationError
	ReasonSecurityError
	ReasonSizeExceeded
	ReasonVersionMismatch
)

func (r MetadataReason) String() string {
	switch r {
	case ReasonInvalidMetadata:
		return "invalid_metadata"
	case ReasonUnmetThreshold:
		return "unmet_threshold"
	case ReasonExpiredMetadata:
		return "expired_metadata"
	case ReasonRootRotationError:
		return "root_rotation_error"
	case ReasonSecurityError:
		return "security_error"
	case ReasonSizeExceeded:
		return "size_exceeded"
	case ReasonVersionMismatch:
		return "version_mismatch"
	default:
		return "unknown_reason"
	}
}

// MetadataErr is a MetadataError carrying a specific verifier reason.
type MetadataErr struct {
	Base   *Error
	Reason MetadataReason
}

func NewMetadataErr(repo types.RepositoryId, role types.Role, reason MetadataReason, msg string) *MetadataErr {
	return &MetadataErr{
		Base:   WithRole(MetadataError, repo, role, nil, msg),
		Reason: reason,
	}
}

func (e *MetadataErr) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Base.Error())
}

func (e *MetadataErr) Unwrap() error { return e.Base }

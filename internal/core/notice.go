package core

import (
	"errors"
	"fmt"

	"herbtrace/pkg/domain"
)

// Notice is a short user-facing message with a title.
type Notice struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// FoundNotice is shown when a batch loads successfully.
func FoundNotice(id BatchID) Notice {
	return Notice{Title: "Batch Found!", Description: fmt.Sprintf("Successfully loaded data for %s", id)}
}

// NoticeFor maps an error to the message shown to users. Faults collapse to a
// generic retry message.
func NoticeFor(id BatchID, err error) Notice {
	var ruleErr RuleViolationError
	switch {
	case err == nil:
		return Notice{}
	case errors.Is(err, domain.ErrEmptyIdentifier):
		return Notice{Title: "Batch ID Required", Description: "Please enter a batch ID to search"}
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownBatch):
		return Notice{Title: "Batch Not Found", Description: fmt.Sprintf("No data found for batch ID: %s", id)}
	case errors.Is(err, domain.ErrDuplicateBatch):
		return Notice{Title: "Batch Already Registered", Description: fmt.Sprintf("Batch ID %s is already in use", id)}
	case errors.Is(err, domain.ErrInvalidEvent):
		return Notice{Title: "Missing Information", Description: "Please fill in all required fields"}
	case errors.Is(err, domain.ErrCameraAccessDenied):
		return Notice{Title: "Camera Unavailable", Description: "Camera access denied. Please allow camera access to scan QR codes."}
	case errors.Is(err, domain.ErrInvalidPayloadFormat):
		return Notice{Title: "Scan Failed", Description: "Could not scan QR code. Please try again or enter the batch ID manually."}
	case errors.As(err, &ruleErr):
		return Notice{Title: "Submission Rejected", Description: ruleErr.Error()}
	default:
		return Notice{Title: "Search Failed", Description: "Failed to fetch batch data. Please try again."}
	}
}

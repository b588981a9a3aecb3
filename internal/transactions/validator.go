package transactions

import (
	"strings"

	"github.com/dvloznov/transactions-api/internal/domain"
)

// Validate checks the structural rules of a request and reports every violated rule.
// It has no side effects.
func Validate(req domain.TransactionRequest) error {
	var reasons []string

	if strings.TrimSpace(req.Description) == "" {
		reasons = append(reasons, "description is required")
	}
	if req.Amount == 0 {
		reasons = append(reasons, "amount must be non-zero")
	}
	if req.Date == nil {
		reasons = append(reasons, "date is required")
	}
	if strings.TrimSpace(req.Type) == "" {
		reasons = append(reasons, "type is required")
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

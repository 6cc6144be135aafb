package clob

import (
	"errors"
	"net/http"
	"strings"

	"updown-trader/internal/core"
)

var apiErrorMessageKinds = map[string]error{
	"not enough balance / allowance": core.ErrInsufficientBalance,
	"order not found":                core.ErrOrderNotFound,
	"order already canceled":         core.ErrOrderNotFound,
	"order can't be found":           core.ErrOrderNotFound,
	"invalid tick size":              core.ErrInvalidPrice,
	"invalid api key":                core.ErrUnauthorized,
	"unauthorized/invalid api key":   core.ErrUnauthorized,
}

func wrapAPIError(status int, msg string) error {
	return classifyAPIError(APIError{Status: status, Msg: msg})
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalizedMsg := normalizeAPIErrorMsg(apiErr.Msg)

	if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	if isNotEnoughBalanceOrAllowance(normalizedMsg) {
		kinds = appendErrorKind(kinds, core.ErrInsufficientBalance)
	}
	if strings.Contains(normalizedMsg, "fully filled or killed") || strings.Contains(normalizedMsg, "no orders found to match") {
		kinds = appendErrorKind(kinds, core.ErrNoFill)
	}
	if strings.Contains(normalizedMsg, "already canceled") || strings.Contains(normalizedMsg, "can't be canceled") {
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	}
	if strings.Contains(normalizedMsg, "tick size") {
		kinds = appendErrorKind(kinds, core.ErrInvalidPrice)
	}
	if strings.Contains(normalizedMsg, "lower than the minimum") {
		kinds = appendErrorKind(kinds, core.ErrBelowMinSize)
	}

	switch {
	case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		kinds = appendErrorKind(kinds, core.ErrUnauthorized)
	case apiErr.Status == http.StatusTooManyRequests:
		kinds = appendErrorKind(kinds, core.ErrRateLimited)
	case apiErr.Status >= 500:
		kinds = appendErrorKind(kinds, core.ErrExchangeUnavailable)
	case apiErr.Status == http.StatusNotFound:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiErr.Status >= 400 && len(kinds) == 0:
		kinds = appendErrorKind(kinds, core.ErrOrderRejected)
	}

	return kinds
}

func isNotEnoughBalanceOrAllowance(msg string) bool {
	if msg == "" {
		return false
	}
	if strings.Contains(msg, "balance / allowance") || strings.Contains(msg, "balance/allowance") {
		return true
	}
	return strings.Contains(msg, "balance") && strings.Contains(msg, "allowance")
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

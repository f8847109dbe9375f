package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"dcaengine/internal/apperr"
)

// UserHeader carries the caller's user id, set by the authenticating proxy in
// front of this service.
const UserHeader = "X-User-ID"

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Kind    string         `json:"kind,omitempty"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// Fail writes err with the status its kind maps to. Only the public message
// leaves the process.
func Fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, apiResponse{
		Code:    status,
		Message: apperr.PublicMessage(err),
		Kind:    string(kind),
	})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInvalidAddress:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case apperr.KindDuplicateDeposit, apperr.KindExecutionInProgress,
		apperr.KindConflict, apperr.KindStrategyNotActive:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requireUser reads the caller id or writes 401.
func requireUser(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetHeader(UserHeader))
	if userID == "" {
		Error(c, http.StatusUnauthorized, "missing "+UserHeader, nil)
		return "", false
	}
	return userID, true
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func pageQuery(c *gin.Context) (int, int) {
	limit := intQuery(c, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paginationMeta(limit, offset, count int) map[string]any {
	return map[string]any{
		"limit":    limit,
		"offset":   offset,
		"count":    count,
		"has_next": count == limit,
	}
}

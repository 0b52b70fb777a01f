package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/common/flowerr"
)

// httpStatus maps error kinds onto HTTP statuses
func httpStatus(err error) int {
	switch flowerr.KindOf(err) {
	case flowerr.KindNotFound:
		return http.StatusNotFound
	case flowerr.KindIllegalState:
		return http.StatusConflict
	case flowerr.KindCycleDetected:
		return http.StatusUnprocessableEntity
	case flowerr.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case flowerr.KindTimeout:
		return http.StatusGatewayTimeout
	case flowerr.KindExternal:
		return http.StatusBadGateway
	case flowerr.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail renders an error as the standard JSON error envelope
func fail(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), map[string]interface{}{
		"error": err.Error(),
		"kind":  string(flowerr.KindOf(err)),
	})
}

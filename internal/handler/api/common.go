package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"pulsecrm/internal/models"
	"pulsecrm/internal/pkg/apperrors"
)

func successResponse(c echo.Context, msg string, obj interface{}) error {
	return c.JSON(http.StatusOK, models.APIResponse{
		Status: true,
		Msg:    msg,
		Obj:    obj,
	})
}

func errorResponse(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), models.APIResponse{
		Status: false,
		Msg:    err.Error(),
		Obj:    nil,
	})
}

func badRequestResponse(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, models.APIResponse{
		Status: false,
		Msg:    msg,
		Obj:    nil,
	})
}

// errorStatus maps the error taxonomy to HTTP status codes; anything
// unclassified is a 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

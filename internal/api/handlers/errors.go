package handlers

import (
	"net/http"

	"example.com/backstage/services/orders/internal/apperrors"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// respondError maps domain errors to their status code. Anything else is a 500.
func respondError(c *gin.Context, err error) {
	if e, ok := apperrors.From(err); ok {
		c.AbortWithStatusJSON(e.StatusCode, ErrorResponse{Code: e.Code, Message: e.Message})
		return
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Code:    apperrors.ErrInvalidRequest.Code,
			Message: apperrors.ErrInvalidRequest.Message,
			Fields:  fields,
		})
		return
	}

	log.Error().Err(err).
		Str("path", c.FullPath()).
		Str("request_id", c.GetString("request_id")).
		Msg("Unhandled error")
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
	})
}

// badRequest reports a malformed body or query
func badRequest(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		respondError(c, err)
		return
	}
	respondError(c, apperrors.Newf(apperrors.ErrInvalidRequest, "%v", err))
}

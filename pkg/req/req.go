package req

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/Dhoini/Sharing-microservice/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// validate переиспользуется между запросами, validator кеширует разбор структур
var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode декодирует JSON из io.ReadCloser в структуру типа T.
// Пустое тело дает нулевое значение T без ошибки.
func Decode[T any](body io.ReadCloser) (T, error) {
	var payload T
	if body == nil {
		return payload, nil
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return payload, err
	}
	return payload, nil
}

// IsValid валидирует структуру типа T.
func IsValid[T any](payload T) error {
	return validate.Struct(payload)
}

// FieldErrors превращает ошибки validator в карту поле -> правило для ответа клиенту.
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

// HandleBody декодирует и валидирует тело запроса, при ошибке сам отвечает 422 и прерывает цепочку.
func HandleBody[T any](c *gin.Context, log *logger.Logger) (*T, error) {
	body, err := Decode[T](c.Request.Body)
	if err != nil {
		log.Warnw("Failed to decode request body", "path", c.Request.URL.Path, "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Malformed request body", ErrorCode: "invalid_body"}, http.StatusUnprocessableEntity)
		c.Abort()
		return nil, err
	}

	if err := IsValid(body); err != nil {
		log.Warnw("Request body validation failed", "path", c.Request.URL.Path, "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{
			Error:     "Invalid request data",
			ErrorCode: "validation_failed",
			Details:   FieldErrors(err),
		}, http.StatusUnprocessableEntity)
		c.Abort()
		return nil, err
	}
	return &body, nil
}

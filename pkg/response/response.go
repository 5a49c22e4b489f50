package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeForbidden   = 403
	CodeNotFound    = 404
	CodeServerError = 500
)

const (
	CodeAuthorizationNotFound = 1001
	CodeStatusInvalid         = 1002
	CodeAmountExceedsLimit    = 1003
	CodeConflict              = 1004
	CodeChargeNotFound        = 1005
	CodeChargeFailed          = 1006
	CodeRefundFailed          = 1007
	CodeNotRefundable         = 1008
	CodeDuplicateReference    = 1009
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, CodeNotFound, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}

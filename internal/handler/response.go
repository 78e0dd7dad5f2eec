// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatbot-rag/internal/middleware"
	"chatbot-rag/internal/service"
	"chatbot-rag/pkg/apperr"
)

func success(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": data})
}

// fail 把业务错误映射为 HTTP 状态码并写出统一响应体。
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if service.IsNotFound(err) {
		status = http.StatusNotFound
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "服务器内部错误"
	}
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// scopeOf 返回当前请求的租户与知识库。
func scopeOf(c *gin.Context) (string, string) {
	return middleware.TenantID(c), c.Param("kbId")
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// idParam parses a positive int64 path parameter, writing 400 on failure.
func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

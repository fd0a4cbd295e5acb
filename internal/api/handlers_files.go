package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) listCredentials(c *gin.Context) {
	if s.creds == nil {
		writeData(c, http.StatusOK, gin.H{"items": []any{}})
		return
	}
	writeData(c, http.StatusOK, gin.H{"items": s.creds.Snapshot()})
}

// serveFile returns merged output written by the local compositor.
func (s *Server) serveFile(c *gin.Context) {
	name := c.Param("name")
	if s.filesDir == "" || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeError(c, http.StatusNotFound, "FILE_NOT_FOUND", "File not found", false, nil)
		return
	}
	path := filepath.Join(s.filesDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(c, http.StatusNotFound, "FILE_NOT_FOUND", "File not found", false, nil)
		return
	}
	c.File(path)
}

package api

import (
	"log/slog"
	"net/http"

	"stv/longvideo/internal/auth"
	"stv/longvideo/internal/events"
	"stv/longvideo/internal/model"
	"stv/longvideo/internal/task"

	"github.com/gin-gonic/gin"
)

// CredentialLister exposes pool state without secrets. *credential.Pool satisfies it.
type CredentialLister interface {
	Snapshot() []model.Credential
}

type Server struct {
	auth     *auth.Service
	tasks    *task.Service
	creds    CredentialLister
	hub      *events.Hub
	filesDir string
	log      *slog.Logger
	// sseBuffer is the live event buffer of one stream.
	sseBuffer int
}

// NewServer wires the HTTP surface. A nil authSvc identifies owners by the
// X-Owner-Id header instead of bearer tokens.
func NewServer(authSvc *auth.Service, tasks *task.Service, creds CredentialLister, hub *events.Hub, filesDir string, logger *slog.Logger) *Server {
	return &Server{
		auth:      authSvc,
		tasks:     tasks,
		creds:     creds,
		hub:       hub,
		filesDir:  filesDir,
		log:       logger,
		sseBuffer: 128,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, http.StatusOK, gin.H{"status": "ok"})
	})
	v1.GET("/files/:name", s.serveFile)

	authed := v1.Group("")
	authed.Use(OwnerMiddleware(s.auth))
	{
		authed.GET("/client/bootstrap", s.clientBootstrap)

		authed.POST("/long-videos", s.createTask)
		authed.GET("/long-videos", s.listTasks)
		authed.GET("/long-videos/:task_id", s.getTask)
		authed.POST("/long-videos/:task_id/cancel", s.cancelTask)
		authed.POST("/long-videos/:task_id/segments/:segment_id/regenerate", s.regenerateSegment)
		authed.POST("/long-videos/:task_id/merge", s.mergeTask)
		authed.GET("/long-videos/:task_id/events", s.streamTaskEvents)

		authed.GET("/credentials", s.listCredentials)
	}

	return r
}

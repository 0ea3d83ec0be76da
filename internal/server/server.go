package server

import (
	"github.com/gin-gonic/gin"
)

type Server struct {
	Engine *gin.Engine
}

func New(rc RouterConfig) *Server {
	return &Server{Engine: NewRouter(rc)}
}

func (s *Server) Run(address string) error {
	return s.Engine.Run(address)
}

// Package server assembles the gateway's HTTP surface: the WebSocket
// conversation endpoint, the out-of-band booking and correction
// endpoints, and the operational routes.
package server

import (
	"log/slog"
	"net/http"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/gateway/bots"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/conversations"
	"github.com/voxgate/voxgate/pkg/gateway/handlers"
	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/gateway/mw"
	"github.com/voxgate/voxgate/pkg/gateway/supervise"
	"github.com/voxgate/voxgate/pkg/gateway/tools"
	"github.com/voxgate/voxgate/pkg/store"
)

// Deps carries the collaborators the routes need; main constructs them
// once and hands them in.
type Deps struct {
	Config    config.Config
	Logger    *slog.Logger
	Bots      *bots.Registry
	Provider  core.Provider
	STT       stt.Provider
	Tools     *tools.Registry
	Store     store.Store
	Registry  *conversations.Registry
	Reporter  *supervise.Reporter
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	d := s.deps

	s.mux.Handle("/ws", handlers.WSHandler{
		Config:    d.Config,
		Bots:      d.Bots,
		Provider:  d.Provider,
		STT:       d.STT,
		Tools:     d.Tools,
		Store:     d.Store,
		Registry:  d.Registry,
		Reporter:  d.Reporter,
		Metrics:   d.Metrics,
		Lifecycle: d.Lifecycle,
		Logger:    d.Logger,
	})
	s.mux.Handle("/webhook/booking-completed", handlers.BookingWebhookHandler{
		Secret:   d.Config.BookingWebhookSecret,
		Registry: d.Registry,
		Store:    d.Store,
		Metrics:  d.Metrics,
		Logger:   d.Logger,
	})
	s.mux.Handle("/inject-correction", handlers.InjectCorrectionHandler{
		Secret:   d.Config.SupervisorSecret,
		Registry: d.Registry,
		Logger:   d.Logger,
	})
	s.mux.Handle("/ping", handlers.PingHandler{})
	if d.Metrics != nil {
		s.mux.Handle("/metrics", d.Metrics.Handler())
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.deps.Logger, h)
	h = mw.AccessLog(s.deps.Logger, h)
	h = mw.RequestID(h)
	return h
}

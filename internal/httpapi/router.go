// Package httpapi is the server's HTTP transport: gorilla/mux routing
// over the Task Bus (C3), Budget Gate (C1), AI Broker (C2) and Mapper
// Orchestrator (C5), per spec.md §6's external interfaces. Grounded on
// the teacher's internal/server router setup.
package httpapi

import (
	"time"

	"github.com/gorilla/mux"

	sessionbus "github.com/formscout/controlplane/internal/bus"
	"github.com/formscout/controlplane/internal/budget"
	"github.com/formscout/controlplane/internal/mapper"
	"github.com/formscout/controlplane/internal/objectstore"
	"github.com/formscout/controlplane/internal/store"
	"github.com/formscout/controlplane/internal/taskbus"
)

// Dependencies bundles everything the router needs to construct its
// handler groups, mirroring the teacher's NewServer constructor
// argument list.
type Dependencies struct {
	Store            *store.Store
	TaskBus          *taskbus.Service
	Budget           *budget.Gate
	Orchestrator     *mapper.Orchestrator
	ObjectStore      objectstore.Store
	Mailbox          *sessionbus.Mailbox
	HeartbeatTimeout time.Duration
}

// NewRouter assembles the full route table. formPages is constructed
// by the caller (it also needs the AI Broker, which the rest of this
// package's handlers don't touch directly).
func NewRouter(deps Dependencies, formPages *FormPagesHandlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeadersMiddleware)

	agent := NewAgentHandlers(deps.TaskBus, deps.Store, deps.Mailbox)
	crawl := NewCrawlHandlers(deps.Store, deps.TaskBus, deps.Budget, deps.ObjectStore, deps.Mailbox, deps.HeartbeatTimeout)
	mapperH := NewMapperHandlers(deps.TaskBus, deps.Orchestrator)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", agent.Register).Methods("POST")
	api.HandleFunc("/refresh-token", agent.RefreshToken).Methods("POST")
	api.HandleFunc("/heartbeat", agent.Heartbeat).Methods("POST")
	api.HandleFunc("/tasks/poll", agent.PollTask).Methods("GET")
	api.HandleFunc("/tasks/status", agent.ReportTaskStatus).Methods("POST")
	api.HandleFunc("/form-pages/ai/{op}", formPages.HandleOp).Methods("POST")
	api.HandleFunc("/form-mapper/start", mapperH.StartSession).Methods("POST")
	api.HandleFunc("/form-mapper/result", mapperH.ReportFormMapperResult).Methods("POST")

	r.HandleFunc("/networks/{id}/locate", crawl.Locate).Methods("POST")
	r.HandleFunc("/sessions/{id}/status", crawl.Status).Methods("GET")
	r.HandleFunc("/sessions/{id}/cancel", crawl.Cancel).Methods("POST")

	// LocalStore is the only objectstore.Store implementation that needs
	// a server-side endpoint to receive the uploads its own presigned
	// URLs point at; a real S3-backed store would never register this.
	if local, ok := deps.ObjectStore.(*objectstore.LocalStore); ok {
		r.PathPrefix("/objects/").HandlerFunc(local.ServeUpload).Methods("PUT")
	}

	return r
}

package main

import (
	"net/http"

	"github.com/angeloszaimis/taskdispatch/internal/eventstream"
	"github.com/angeloszaimis/taskdispatch/internal/handler"
	"github.com/angeloszaimis/taskdispatch/internal/metrics"
)

func setupRouter(taskHandler *handler.TaskHandler, metricsCollector *metrics.Collector, hub *eventstream.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/", taskHandler)
	mux.HandleFunc("GET /metrics", metricsCollector.Handler())
	mux.Handle("GET /events", hub)

	return mux
}

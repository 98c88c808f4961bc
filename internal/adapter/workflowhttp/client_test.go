package workflowhttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/adapter/workflowhttp"
	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

type fakeEngine struct {
	mutex     sync.Mutex
	started   []map[string]any
	namespace string
	status    map[string]string
	failures  int
}

func (f *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		if f.failures > 0 {
			f.failures--
			http.Error(w, "history service unavailable", http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body["workflow_type"] == "" {
			http.Error(w, "workflow_type required", http.StatusBadRequest)
			return
		}
		f.namespace = r.Header.Get("X-Namespace")
		f.started = append(f.started, body)
		runID := "run-" + body["workflow_id"].(string)
		f.status[runID] = workflowhttp.StatusRunning
		_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
	})
	mux.HandleFunc("GET /workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		status, ok := f.status[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		resp := map[string]string{"run_id": r.PathValue("id"), "status": status}
		if status == workflowhttp.StatusFailed {
			resp["failure"] = "activity error"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /workflows/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		id := r.PathValue("id")
		status, ok := f.status[id]
		switch {
		case !ok:
			http.NotFound(w, r)
		case status != workflowhttp.StatusRunning:
			http.Error(w, "workflow execution already completed", http.StatusConflict)
		default:
			f.status[id] = workflowhttp.StatusCanceled
			w.WriteHeader(http.StatusAccepted)
		}
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		engine *fakeEngine
		server *httptest.Server
		client *workflowhttp.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = &fakeEngine{status: map[string]string{}}
		server = httptest.NewServer(engine.handler())
		DeferCleanup(server.Close)

		var err error
		client, err = workflowhttp.New(server.URL, workflowhttp.WithNamespace("orders"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject an invalid base url", func() {
		_, err := workflowhttp.New("not a url")
		Expect(apperr.Is(err, apperr.KindConfiguration)).To(BeTrue())
	})

	Describe("Submit", func() {
		It("should start a workflow named in the payload", func() {
			id, err := client.Submit(ctx, task.Task{
				ID:      "order-42",
				Kind:    "fulfilment",
				Payload: []byte(`{"workflowId":"order-pipeline","sku":"X1"}`),
				Options: task.Options{Timeout: 2 * time.Second, Attempts: 3},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("run-order-42"))

			Expect(engine.namespace).To(Equal("orders"))
			Expect(engine.started).To(HaveLen(1))
			started := engine.started[0]
			Expect(started["workflow_type"]).To(Equal("order-pipeline"))
			Expect(started["execution_timeout_ms"]).To(BeNumerically("==", 2000))
			Expect(started["max_attempts"]).To(BeNumerically("==", 3))
			Expect(started["input"]).To(HaveKeyWithValue("sku", "X1"))
		})

		It("should fall back to the task kind", func() {
			_, err := client.Submit(ctx, task.Task{ID: "t1", Kind: "nightly-report", Payload: []byte("raw bytes")})
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.started[0]["workflow_type"]).To(Equal("nightly-report"))
			Expect(engine.started[0]["input"]).To(BeAssignableToTypeOf(""))
		})

		It("should classify engine outages", func() {
			engine.failures = 1
			_, err := client.Submit(ctx, task.Task{ID: "t1", Kind: "k"})
			Expect(apperr.Is(err, apperr.KindBackendUnavailable)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("history service unavailable"))
		})

		It("should classify transport errors", func() {
			server.Close()
			_, err := client.Submit(ctx, task.Task{ID: "t1", Kind: "k"})
			Expect(apperr.Is(err, apperr.KindBackendUnavailable)).To(BeTrue())
		})
	})

	Describe("Poll", func() {
		It("should return the native status and failure", func() {
			id, _ := client.Submit(ctx, task.Task{ID: "t1", Kind: "k"})
			engine.status[id] = workflowhttp.StatusFailed

			res, err := client.Poll(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(workflowhttp.StatusFailed))
			Expect(res.Error).To(Equal("activity error"))
		})

		It("should return not found for unknown runs", func() {
			_, err := client.Poll(ctx, "nope")
			Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())
		})
	})

	Describe("Cancel", func() {
		It("should cancel a running workflow", func() {
			id, _ := client.Submit(ctx, task.Task{ID: "t1", Kind: "k"})
			ok, err := client.Cancel(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(engine.status[id]).To(Equal(workflowhttp.StatusCanceled))
		})

		It("should report a closed workflow as not cancelled", func() {
			id, _ := client.Submit(ctx, task.Task{ID: "t1", Kind: "k"})
			engine.status[id] = workflowhttp.StatusCompleted

			ok, err := client.Cancel(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	It("should ping the health endpoint", func() {
		Expect(client.Ping(ctx)).To(Succeed())
	})
})

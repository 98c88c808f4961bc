package handler_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/adapter/memory"
	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
	"github.com/angeloszaimis/taskdispatch/internal/dispatcher"
	"github.com/angeloszaimis/taskdispatch/internal/handler"
	"github.com/angeloszaimis/taskdispatch/internal/router"
	memstore "github.com/angeloszaimis/taskdispatch/internal/store/memory"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

var _ = Describe("TaskHandler", func() {
	var (
		h        *handler.TaskHandler
		queue    *memory.Adapter
		workflow *memory.Adapter
		tr       *tracker.Tracker
		breakers map[task.BackendKind]*circuitbreaker.CircuitBreaker
	)

	BeforeEach(func() {
		queue = memory.New("queue")
		workflow = memory.New("workflow")
		tr = tracker.New(memstore.New())
		breakers = make(map[task.BackendKind]*circuitbreaker.CircuitBreaker)

		backends := make(map[task.BackendKind]dispatcher.Backend)
		for kind, a := range map[task.BackendKind]*memory.Adapter{
			task.BackendQueue:    queue,
			task.BackendWorkflow: workflow,
		} {
			cb, err := circuitbreaker.New(kind.String(), 5, 30*time.Second)
			Expect(err).NotTo(HaveOccurred())
			breakers[kind] = cb
			backends[kind] = dispatcher.Backend{Adapter: a, Breaker: cb}
		}

		d, err := dispatcher.New(router.New(router.DefaultConfig()), tr, backends)
		Expect(err).NotTo(HaveOccurred())
		h = handler.NewTaskHandler(slog.New(slog.DiscardHandler), d)
	})

	do := func(method, target, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, target, nil)
		} else {
			req = httptest.NewRequest(method, target, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	errorKind := func(w *httptest.ResponseRecorder) apperr.Kind {
		var body struct {
			Kind apperr.Kind `json:"kind"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		return body.Kind
	}

	schedule := func(body string) string {
		w := do(http.MethodPost, "/tasks", body)
		Expect(w.Code).To(Equal(http.StatusAccepted))
		var resp map[string]string
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return resp["task_id"]
	}

	Describe("POST /tasks", func() {
		It("should schedule a task and point at its status", func() {
			w := do(http.MethodPost, "/tasks", `{"id":"t-1","kind":"email","payload":{"to":"a@b.c"},"options":{"priority":3,"delay_ms":1500}}`)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(w.Header().Get("Location")).To(Equal("/tasks/t-1"))
			Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))

			rec, err := tr.Get(context.Background(), "t-1")
			Expect(err).NotTo(HaveOccurred())
			submitted, ok := queue.Task(rec.NativeID)
			Expect(ok).To(BeTrue())
			Expect(submitted.Options.Priority).To(Equal(3))
			Expect(submitted.Options.Delay).To(Equal(1500 * time.Millisecond))
			Expect(string(submitted.Payload)).To(MatchJSON(`{"to":"a@b.c"}`))
		})

		It("should reject malformed JSON", func() {
			w := do(http.MethodPost, "/tasks", `{"kind":`)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(errorKind(w)).To(Equal(apperr.KindValidation))
		})

		It("should reject unknown fields", func() {
			w := do(http.MethodPost, "/tasks", `{"kind":"email","colour":"red"}`)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject an invalid task", func() {
			w := do(http.MethodPost, "/tasks", `{"durability_hint":"forever"}`)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(errorKind(w)).To(Equal(apperr.KindValidation))
		})

		It("should report a duplicate id as a conflict", func() {
			schedule(`{"id":"dup","kind":"email"}`)
			w := do(http.MethodPost, "/tasks", `{"id":"dup","kind":"email"}`)
			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("should map an unavailable backend to 502", func() {
			queue.SetDown(nil)
			w := do(http.MethodPost, "/tasks", `{"kind":"email"}`)
			Expect(w.Code).To(Equal(http.StatusBadGateway))
			Expect(errorKind(w)).To(Equal(apperr.KindBackendUnavailable))
		})

		It("should map an open breaker to 503 with Retry-After", func() {
			breakers[task.BackendQueue].ForceOpen("maintenance")
			w := do(http.MethodPost, "/tasks", `{"kind":"email"}`)
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(w.Header().Get("Retry-After")).NotTo(BeEmpty())
			Expect(errorKind(w)).To(Equal(apperr.KindCircuitOpen))
		})

		It("should report a backend missing from this deployment as a server error", func() {
			w := do(http.MethodPost, "/tasks", `{"kind":"notify","durability_hint":"external"}`)
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			Expect(errorKind(w)).To(Equal(apperr.KindConfiguration))
		})
	})

	Describe("GET /tasks/{id}", func() {
		It("should return the refreshed record", func() {
			id := schedule(`{"kind":"email"}`)
			rec, _ := tr.Get(context.Background(), id)
			Expect(queue.SetStatus(rec.NativeID, "active", "")).To(Succeed())

			w := do(http.MethodGet, "/tasks/"+id, "")
			Expect(w.Code).To(Equal(http.StatusOK))

			var got task.StatusRecord
			Expect(json.Unmarshal(w.Body.Bytes(), &got)).To(Succeed())
			Expect(got.TaskID).To(Equal(id))
			Expect(got.Status).To(Equal(task.StatusRunning))
			Expect(got.Backend).To(Equal(task.BackendQueue))
		})

		It("should honour a backend hint", func() {
			id := schedule(`{"kind":"email"}`)

			Expect(do(http.MethodGet, "/tasks/"+id+"?backend=queue", "").Code).To(Equal(http.StatusOK))
			Expect(do(http.MethodGet, "/tasks/"+id+"?backend=workflow", "").Code).To(Equal(http.StatusNotFound))
			Expect(do(http.MethodGet, "/tasks/"+id+"?backend=ftp", "").Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for an unknown task", func() {
			w := do(http.MethodGet, "/tasks/nope", "")
			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(errorKind(w)).To(Equal(apperr.KindNotFound))
		})
	})

	Describe("GET /tasks", func() {
		It("should list and filter records", func() {
			schedule(`{"kind":"email"}`)
			schedule(`{"kind":"report","durability_hint":"durable"}`)

			w := do(http.MethodGet, "/tasks", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			var all []task.StatusRecord
			Expect(json.Unmarshal(w.Body.Bytes(), &all)).To(Succeed())
			Expect(all).To(HaveLen(2))

			w = do(http.MethodGet, "/tasks?backend=WORKFLOW&status=pending", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			var flows []task.StatusRecord
			Expect(json.Unmarshal(w.Body.Bytes(), &flows)).To(Succeed())
			Expect(flows).To(HaveLen(1))
			Expect(flows[0].Backend).To(Equal(task.BackendWorkflow))
		})

		It("should reject an unknown filter value", func() {
			Expect(do(http.MethodGet, "/tasks?backend=ftp", "").Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodGet, "/tasks?status=lost", "").Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("DELETE /tasks/{id}", func() {
		It("should cancel once", func() {
			id := schedule(`{"kind":"email"}`)

			w := do(http.MethodDelete, "/tasks/"+id+"?reason=duplicate", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"cancelled":true}`))

			rec, _ := tr.Get(context.Background(), id)
			Expect(rec.Status).To(Equal(task.StatusCancelled))
			Expect(rec.Error).To(Equal("duplicate"))

			w = do(http.MethodDelete, "/tasks/"+id, "")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"cancelled":false}`))
		})

		It("should leave the task alone when the hint names another backend", func() {
			id := schedule(`{"kind":"email"}`)

			w := do(http.MethodDelete, "/tasks/"+id+"?backend=workflow", "")
			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(queue.Counters().Cancels).To(BeZero())

			w = do(http.MethodDelete, "/tasks/"+id+"?backend=queue", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"cancelled":true}`))
		})
	})

	Describe("POST /notifications/{backend}", func() {
		It("should apply a pushed status", func() {
			id := schedule(`{"kind":"report","durability_hint":"durable"}`)
			rec, _ := tr.Get(context.Background(), id)

			w := do(http.MethodPost, "/notifications/workflow",
				`{"native_id":"`+rec.NativeID+`","status":"COMPLETED"}`)
			Expect(w.Code).To(Equal(http.StatusOK))

			rec, _ = tr.Get(context.Background(), id)
			Expect(rec.Status).To(Equal(task.StatusCompleted))
		})

		It("should reject an unknown backend", func() {
			w := do(http.MethodPost, "/notifications/ftp", `{"native_id":"x","status":"done"}`)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for an unknown native id", func() {
			w := do(http.MethodPost, "/notifications/queue", `{"native_id":"x","status":"completed"}`)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("breakers", func() {
		It("should list snapshots", func() {
			w := do(http.MethodGet, "/breakers", "")
			Expect(w.Code).To(Equal(http.StatusOK))

			var snaps map[task.BackendKind]circuitbreaker.Snapshot
			Expect(json.Unmarshal(w.Body.Bytes(), &snaps)).To(Succeed())
			Expect(snaps).To(HaveKey(task.BackendQueue))
			Expect(snaps[task.BackendQueue].State).To(Equal(circuitbreaker.StateClosed))
		})

		It("should force a breaker open and closed", func() {
			w := do(http.MethodPost, "/breakers/workflow/open", `{"reason":"deploy"}`)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(breakers[task.BackendWorkflow].State()).To(Equal(circuitbreaker.StateOpen))
			Expect(breakers[task.BackendWorkflow].Forced()).To(BeTrue())

			w = do(http.MethodPost, "/breakers/workflow/close", "")
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(breakers[task.BackendWorkflow].State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should return 404 for an unknown breaker", func() {
			Expect(do(http.MethodPost, "/breakers/external/open", "").Code).To(Equal(http.StatusNotFound))
			Expect(do(http.MethodPost, "/breakers/ftp/open", "").Code).To(Equal(http.StatusNotFound))
		})
	})

	It("should refuse methods a route does not serve", func() {
		Expect(do(http.MethodPut, "/tasks", "").Code).To(Equal(http.StatusMethodNotAllowed))
	})
})

package router_test

import (
	"bytes"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/router"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

var _ = Describe("Router", func() {
	var (
		logs *bytes.Buffer
		r    *router.Router
	)

	BeforeEach(func() {
		logs = &bytes.Buffer{}
		cfg := router.DefaultConfig()
		cfg.WorkflowKinds = []string{"order-fulfilment"}
		cfg.ExternalKinds = []string{"crm-sync"}
		r = router.New(cfg, router.WithLogger(slog.New(slog.NewJSONHandler(logs, nil))))
	})

	DescribeTable("routes by precedence",
		func(t task.Task, backend task.BackendKind, rule router.Rule) {
			d := r.Decide(t)
			Expect(d.Backend).To(Equal(backend))
			Expect(d.Rule).To(Equal(rule))
			Expect(r.Route(t)).To(Equal(backend))
		},
		Entry("durable hint", task.Task{Kind: "x", DurabilityHint: task.HintDurable}, task.BackendWorkflow, router.RuleHint),
		Entry("simple hint", task.Task{Kind: "x", DurabilityHint: task.HintSimple}, task.BackendQueue, router.RuleHint),
		Entry("external hint", task.Task{Kind: "x", DurabilityHint: task.HintExternal}, task.BackendExternal, router.RuleHint),
		Entry("hint beats payload", task.Task{Kind: "x", DurabilityHint: task.HintSimple, Payload: []byte(`{"workflowId":"w"}`)}, task.BackendQueue, router.RuleHint),
		Entry("workflow id in payload", task.Task{Kind: "x", Payload: []byte(`{"workflowId":"onboarding"}`)}, task.BackendWorkflow, router.RuleWorkflow),
		Entry("workflow name in payload", task.Task{Kind: "x", Payload: []byte(`{"workflow":"billing"}`)}, task.BackendWorkflow, router.RuleWorkflow),
		Entry("workflow kind", task.Task{Kind: "order-fulfilment"}, task.BackendWorkflow, router.RuleWorkflow),
		Entry("workflow beats automation", task.Task{Kind: "x", Payload: []byte(`{"workflow":"w","automation":"a"}`)}, task.BackendWorkflow, router.RuleWorkflow),
		Entry("automation in payload", task.Task{Kind: "x", Payload: []byte(`{"automation":"slack-notify"}`)}, task.BackendExternal, router.RuleAutomation),
		Entry("webhook in payload", task.Task{Kind: "x", Payload: []byte(`{"webhook":"hook"}`)}, task.BackendExternal, router.RuleAutomation),
		Entry("external kind", task.Task{Kind: "crm-sync"}, task.BackendExternal, router.RuleAutomation),
		Entry("empty workflow id", task.Task{Kind: "x", Payload: []byte(`{"workflowId":""}`)}, task.BackendQueue, router.RuleDefault),
		Entry("non-string workflow id", task.Task{Kind: "x", Payload: []byte(`{"workflowId":42}`)}, task.BackendQueue, router.RuleDefault),
		Entry("non-JSON payload", task.Task{Kind: "x", Payload: []byte(`workflowId=abc`)}, task.BackendQueue, router.RuleDefault),
		Entry("JSON array payload", task.Task{Kind: "x", Payload: []byte(`["workflowId"]`)}, task.BackendQueue, router.RuleDefault),
		Entry("no payload", task.Task{Kind: "send-email"}, task.BackendQueue, router.RuleDefault),
	)

	It("should be deterministic", func() {
		t := task.Task{Kind: "x", Payload: []byte(`{"automation":"a","n":1}`)}
		first := r.Route(t)
		for i := 0; i < 10; i++ {
			Expect(r.Route(t)).To(Equal(first))
		}
	})

	It("should warn once per kind when routing to the legacy engine", func() {
		r.Route(task.Task{Kind: "crm-sync"})
		r.Route(task.Task{Kind: "crm-sync"})
		r.Route(task.Task{Kind: "other", Payload: []byte(`{"automation":"a"}`)})

		Expect(strings.Count(logs.String(), "deprecated")).To(Equal(2))
		Expect(logs.String()).To(ContainSubstring(`"kind":"crm-sync"`))
	})

	It("should log every inferred legacy route and count it", func() {
		debugLogs := &bytes.Buffer{}
		cfg := router.DefaultConfig()
		cfg.ExternalKinds = []string{"crm-sync"}
		r = router.New(cfg, router.WithLogger(slog.New(slog.NewJSONHandler(debugLogs,
			&slog.HandlerOptions{Level: slog.LevelDebug}))))

		for i := 0; i < 3; i++ {
			r.Route(task.Task{Kind: "crm-sync"})
		}
		r.Route(task.Task{Kind: "other", Payload: []byte(`{"webhook":"hook"}`)})
		r.Route(task.Task{Kind: "crm-sync", DurabilityHint: task.HintExternal})

		out := debugLogs.String()
		Expect(strings.Count(out, "deprecated")).To(Equal(4))
		Expect(strings.Count(out, `"level":"WARN"`)).To(Equal(2))
		Expect(strings.Count(out, `"level":"DEBUG"`)).To(Equal(2))
		Expect(out).To(ContainSubstring(`"count":3`))
		Expect(r.InferredExternal()).To(Equal(map[string]int64{"crm-sync": 3, "other": 1}))
	})

	It("should not warn for explicit external hints", func() {
		r.Route(task.Task{Kind: "crm-sync", DurabilityHint: task.HintExternal})
		Expect(logs.String()).To(BeEmpty())
	})
})

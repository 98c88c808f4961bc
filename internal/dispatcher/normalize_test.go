package dispatcher_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/dispatcher"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

var _ = DescribeTable("Normalize",
	func(kind task.BackendKind, native string, want task.Status, wantOK bool) {
		got, ok := dispatcher.Normalize(kind, native)
		Expect(ok).To(Equal(wantOK))
		Expect(got).To(Equal(want))
	},
	Entry("queue waiting", task.BackendQueue, "waiting", task.StatusPending, true),
	Entry("queue delayed", task.BackendQueue, "delayed", task.StatusPending, true),
	Entry("queue active", task.BackendQueue, "active", task.StatusRunning, true),
	Entry("queue completed", task.BackendQueue, "completed", task.StatusCompleted, true),
	Entry("workflow RUNNING", task.BackendWorkflow, "RUNNING", task.StatusRunning, true),
	Entry("workflow TERMINATED", task.BackendWorkflow, "TERMINATED", task.StatusCancelled, true),
	Entry("workflow TIMED_OUT", task.BackendWorkflow, "TIMED_OUT", task.StatusFailed, true),
	Entry("workflow CONTINUED_AS_NEW", task.BackendWorkflow, "CONTINUED_AS_NEW", task.StatusRunning, true),
	Entry("external success", task.BackendExternal, "success", task.StatusCompleted, true),
	Entry("external crashed", task.BackendExternal, "crashed", task.StatusFailed, true),
	Entry("external new", task.BackendExternal, "new", task.StatusPending, true),
	Entry("common vocabulary on any backend", task.BackendExternal, "cancelled", task.StatusCancelled, true),
	Entry("american spelling on the queue", task.BackendQueue, "Canceled", task.StatusCancelled, true),
	Entry("surrounding space", task.BackendWorkflow, "  completed ", task.StatusCompleted, true),
	Entry("unknown status", task.BackendWorkflow, "SCHEDULED_SOMEWHERE", task.Status(""), false),
	Entry("empty status", task.BackendQueue, "", task.Status(""), false),
)

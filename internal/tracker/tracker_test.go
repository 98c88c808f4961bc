package tracker_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/store/memory"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

var _ = Describe("Tracker", func() {
	var (
		ctx   context.Context
		clock clockwork.FakeClock
		store *memory.Store
		tr    *tracker.Tracker
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = clockwork.NewFakeClock()
		store = memory.New()
		tr = tracker.New(store, tracker.WithClock(clock))
	})

	create := func(id string, backend task.BackendKind, nativeID string) task.StatusRecord {
		rec, err := tr.Create(ctx, task.StatusRecord{TaskID: id, Backend: backend, NativeID: nativeID})
		Expect(err).NotTo(HaveOccurred())
		return rec
	}

	Describe("Create", func() {
		It("should default to pending and stamp times", func() {
			rec := create("t1", task.BackendQueue, "n1")
			Expect(rec.Status).To(Equal(task.StatusPending))
			Expect(rec.CreatedAt).To(Equal(clock.Now().UTC()))
			Expect(rec.LastUpdated).To(Equal(clock.Now().UTC()))
		})

		It("should refuse a duplicate id", func() {
			create("t1", task.BackendQueue, "n1")
			_, err := tr.Create(ctx, task.StatusRecord{TaskID: "t1"})
			Expect(apperr.Is(err, apperr.KindConflict)).To(BeTrue())
		})

		It("should require an id", func() {
			_, err := tr.Create(ctx, task.StatusRecord{})
			Expect(apperr.Is(err, apperr.KindValidation)).To(BeTrue())
		})
	})

	Describe("Transition", func() {
		BeforeEach(func() {
			create("t1", task.BackendWorkflow, "run-1")
		})

		It("should apply allowed transitions", func() {
			clock.Advance(time.Second)
			rec, changed, err := tr.Transition(ctx, "t1", task.StatusRunning, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(rec.Status).To(Equal(task.StatusRunning))
			Expect(rec.LastUpdated).To(Equal(clock.Now().UTC()))
		})

		It("should record the error message", func() {
			rec, changed, err := tr.Transition(ctx, "t1", task.StatusFailed, "activity timed out")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(rec.Error).To(Equal("activity timed out"))
		})

		It("should ignore updates after a terminal status", func() {
			_, _, _ = tr.Transition(ctx, "t1", task.StatusCompleted, "")

			rec, changed, err := tr.Transition(ctx, "t1", task.StatusRunning, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
			Expect(rec.Status).To(Equal(task.StatusCompleted))
		})

		It("should ignore a backwards update", func() {
			_, _, _ = tr.Transition(ctx, "t1", task.StatusRunning, "")
			_, changed, err := tr.Transition(ctx, "t1", task.StatusPending, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
		})

		It("should return not found for unknown tasks", func() {
			_, _, err := tr.Transition(ctx, "nope", task.StatusRunning, "")
			Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())
		})

		It("should let exactly one concurrent terminal update win", func() {
			const writers = 20
			var (
				wg      sync.WaitGroup
				mutex   sync.Mutex
				winners []task.Status
			)
			wg.Add(writers)
			for i := 0; i < writers; i++ {
				to := task.StatusCompleted
				if i%2 == 0 {
					to = task.StatusCancelled
				}
				go func(to task.Status) {
					defer GinkgoRecover()
					defer wg.Done()
					_, changed, err := tr.Transition(ctx, "t1", to, "")
					Expect(err).NotTo(HaveOccurred())
					if changed {
						mutex.Lock()
						winners = append(winners, to)
						mutex.Unlock()
					}
				}(to)
			}
			wg.Wait()

			Expect(winners).To(HaveLen(1))
			rec, err := tr.Get(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(winners[0]))
			Expect(tr.LockCount()).To(BeZero())
		})
	})

	Describe("FindByNative", func() {
		It("should resolve ids created through this tracker", func() {
			create("t1", task.BackendQueue, "job-1")
			rec, err := tr.FindByNative(ctx, task.BackendQueue, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.TaskID).To(Equal("t1"))
		})

		It("should scope native ids by backend", func() {
			create("t1", task.BackendQueue, "shared-id")
			_, err := tr.FindByNative(ctx, task.BackendExternal, "shared-id")
			Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())
		})

		It("should find records written by another tracker on the same store", func() {
			other := tracker.New(store, tracker.WithClock(clock))
			_, err := other.Create(ctx, task.StatusRecord{TaskID: "t9", Backend: task.BackendWorkflow, NativeID: "run-9"})
			Expect(err).NotTo(HaveOccurred())

			rec, err := tr.FindByNative(ctx, task.BackendWorkflow, "run-9")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.TaskID).To(Equal("t9"))
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			for i := 0; i < 4; i++ {
				backend := task.BackendQueue
				if i%2 == 1 {
					backend = task.BackendWorkflow
				}
				create(fmt.Sprintf("t%d", i), backend, fmt.Sprintf("n%d", i))
				clock.Advance(time.Second)
			}
			_, _, _ = tr.Transition(ctx, "t2", task.StatusRunning, "")
		})

		It("should return every record oldest first", func() {
			all, err := tr.List(ctx, task.Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(4))
			Expect(all[0].TaskID).To(Equal("t0"))
			Expect(all[3].TaskID).To(Equal("t3"))
		})

		It("should filter by backend and status", func() {
			queue, err := tr.List(ctx, task.Filter{Backend: task.BackendQueue})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(HaveLen(2))

			running, err := tr.List(ctx, task.Filter{Backend: task.BackendQueue, Status: task.StatusRunning})
			Expect(err).NotTo(HaveOccurred())
			Expect(running).To(HaveLen(1))
			Expect(running[0].TaskID).To(Equal("t2"))
		})
	})

	Describe("Delete and Prune", func() {
		It("should delete records and forget their native ids", func() {
			create("t1", task.BackendQueue, "job-1")
			Expect(tr.Delete(ctx, "t1")).To(Succeed())

			_, err := tr.FindByNative(ctx, task.BackendQueue, "job-1")
			Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())
		})

		It("should prune old terminal records only", func() {
			create("done", task.BackendQueue, "a")
			create("active", task.BackendQueue, "b")
			_, _, _ = tr.Transition(ctx, "done", task.StatusCompleted, "")

			clock.Advance(2 * time.Hour)
			create("recent", task.BackendQueue, "c")
			_, _, _ = tr.Transition(ctx, "recent", task.StatusFailed, "x")

			removed, err := tr.Prune(ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))

			all, _ := tr.List(ctx, task.Filter{})
			ids := []string{}
			for _, rec := range all {
				ids = append(ids, rec.TaskID)
			}
			Expect(ids).To(ConsistOf("active", "recent"))
		})
	})
})

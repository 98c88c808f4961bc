// Package storetest holds the behaviour every tracker.Store must show,
// as Ginkgo specs that each store's suite runs against its own instance.
package storetest

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

func record(id string) task.StatusRecord {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return task.StatusRecord{
		TaskID:      id,
		Kind:        "email",
		Backend:     task.BackendQueue,
		NativeID:    "native-" + id,
		Status:      task.StatusPending,
		Attempt:     1,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// Behaves registers the shared specs. newStore is called before each spec.
func Behaves(newStore func() tracker.Store) {
	var (
		ctx   context.Context
		store tracker.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
	})

	It("should round-trip an inserted record", func() {
		Expect(store.Insert(ctx, record("a"))).To(Succeed())

		got, err := store.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(record("a")))
	})

	It("should refuse a duplicate insert", func() {
		Expect(store.Insert(ctx, record("a"))).To(Succeed())
		err := store.Insert(ctx, record("a"))
		Expect(apperr.Is(err, apperr.KindConflict)).To(BeTrue())
	})

	It("should return not found for unknown ids", func() {
		_, err := store.Get(ctx, "missing")
		Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())

		err = store.Delete(ctx, "missing")
		Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())
	})

	It("should overwrite on put", func() {
		Expect(store.Insert(ctx, record("a"))).To(Succeed())

		updated := record("a")
		updated.Status = task.StatusFailed
		updated.Error = "smtp down"
		Expect(store.Put(ctx, updated)).To(Succeed())

		got, err := store.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(task.StatusFailed))
		Expect(got.Error).To(Equal("smtp down"))
	})

	It("should delete records", func() {
		Expect(store.Insert(ctx, record("a"))).To(Succeed())
		Expect(store.Delete(ctx, "a")).To(Succeed())

		_, err := store.Get(ctx, "a")
		Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())
	})

	It("should list every record", func() {
		for i := 0; i < 5; i++ {
			Expect(store.Insert(ctx, record(fmt.Sprintf("t%d", i)))).To(Succeed())
		}
		Expect(store.Delete(ctx, "t2")).To(Succeed())

		all, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())

		ids := make([]string, 0, len(all))
		for _, rec := range all {
			ids = append(ids, rec.TaskID)
		}
		Expect(ids).To(ConsistOf("t0", "t1", "t3", "t4"))
	})
}

// Expires registers the retention specs for stores built with a TTL.
// wait must move the store's notion of time forward by d.
func Expires(newStore func(ttl time.Duration) tracker.Store, wait func(d time.Duration), ttl time.Duration) {
	var (
		ctx   context.Context
		store tracker.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore(ttl)
	})

	It("should keep in-flight records past the ttl", func() {
		Expect(store.Insert(ctx, record("pending"))).To(Succeed())

		running := record("running")
		running.Status = task.StatusRunning
		Expect(store.Insert(ctx, record("running"))).To(Succeed())
		Expect(store.Put(ctx, running)).To(Succeed())

		wait(2 * ttl)

		got, err := store.Get(ctx, "pending")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(task.StatusPending))

		got, err = store.Get(ctx, "running")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(task.StatusRunning))
	})

	It("should expire terminal records after the ttl", func() {
		Expect(store.Insert(ctx, record("a"))).To(Succeed())
		done := record("a")
		done.Status = task.StatusCompleted
		Expect(store.Put(ctx, done)).To(Succeed())

		wait(2 * ttl)

		_, err := store.Get(ctx, "a")
		Expect(apperr.Is(err, apperr.KindNotFound)).To(BeTrue())
	})
}

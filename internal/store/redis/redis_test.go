package redis_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/store/redis"
	"github.com/angeloszaimis/taskdispatch/internal/store/storetest"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

func newClient() (*miniredis.Miniredis, *goredis.Client) {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	DeferCleanup(client.Close)
	return mr, client
}

var _ = Describe("Store", func() {
	storetest.Behaves(func() tracker.Store {
		_, client := newClient()
		return redis.New(client, redis.WithKeyPrefix("test:"))
	})

	Context("with a ttl", func() {
		var mr *miniredis.Miniredis

		storetest.Expires(func(ttl time.Duration) tracker.Store {
			var client *goredis.Client
			mr, client = newClient()
			return redis.New(client, redis.WithTTL(ttl))
		}, func(d time.Duration) { mr.FastForward(d) }, time.Minute)
	})

	It("should expire records and drop them from listings", func() {
		mr, client := newClient()
		s := redis.New(client, redis.WithTTL(time.Minute))
		ctx := context.Background()

		Expect(s.Insert(ctx, task.StatusRecord{TaskID: "a", Status: task.StatusCompleted})).To(Succeed())
		Expect(mr.TTL("dispatch:record:a")).To(Equal(time.Minute))

		mr.FastForward(2 * time.Minute)
		all, err := s.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(BeEmpty())
		member, _ := mr.IsMember("dispatch:record_ids", "a")
		Expect(member).To(BeFalse())
	})

	It("should classify server errors", func() {
		mr, client := newClient()
		s := redis.New(client)
		mr.SetError("MASTERDOWN link with master is down")

		_, err := s.Get(context.Background(), "a")
		Expect(apperr.Is(err, apperr.KindBackendUnavailable)).To(BeTrue())
		Expect(apperr.Is(s.Ping(context.Background()), apperr.KindBackendUnavailable)).To(BeTrue())
	})
})

package healthcheck_test

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/adapter/memory"
	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
	"github.com/angeloszaimis/taskdispatch/internal/healthcheck"
	"github.com/angeloszaimis/taskdispatch/internal/metrics"
)

type healthSink struct {
	mutex   sync.Mutex
	healthy []bool
}

func (s *healthSink) Emit(e metrics.MetricEvent) {
	if e.Type != metrics.EventHealthChanged {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.healthy = append(s.healthy, e.Healthy)
}

func (s *healthSink) values() []bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]bool(nil), s.healthy...)
}

var _ = Describe("Monitor", func() {
	const interval = 10 * time.Second

	var (
		backend *memory.Adapter
		cb      *circuitbreaker.CircuitBreaker
		clock   clockwork.FakeClock
		sink    *healthSink
		ctx     context.Context
		cancel  context.CancelFunc
		done    chan struct{}
	)

	BeforeEach(func() {
		var err error
		backend = memory.New("workflow")
		cb, err = circuitbreaker.New("workflow", 3, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		clock = clockwork.NewFakeClock()
		sink = &healthSink{}
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})

	start := func() {
		go func() {
			defer close(done)
			healthcheck.Monitor(ctx, "workflow", backend, cb, interval, slog.New(slog.DiscardHandler), sink,
				healthcheck.WithClock(clock))
		}()
	}

	tick := func() {
		clock.BlockUntil(1)
		clock.Advance(interval)
	}

	pings := func() int { return backend.Counters().Pings }

	It("should check right away and on every tick", func() {
		start()
		Eventually(pings).Should(Equal(1))

		tick()
		Eventually(pings).Should(Equal(2))
		tick()
		Eventually(pings).Should(Equal(3))
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
	})

	It("should hold the breaker open while the backend is down", func() {
		backend.SetDown(nil)
		start()

		Eventually(cb.State).Should(Equal(circuitbreaker.StateOpen))
		Expect(cb.Forced()).To(BeTrue())
		Eventually(sink.values).Should(Equal([]bool{true, false}))

		backend.SetUp()
		tick()

		Eventually(cb.State).Should(Equal(circuitbreaker.StateClosed))
		Expect(cb.Forced()).To(BeFalse())
		Eventually(sink.values).Should(Equal([]bool{true, false, true}))
	})

	It("should leave an operator override alone", func() {
		cb.ForceOpen("maintenance")
		start()
		Eventually(pings).Should(Equal(1))

		backend.SetDown(nil)
		tick()
		Eventually(pings).Should(Equal(2))
		backend.SetUp()
		tick()
		Eventually(pings).Should(Equal(3))

		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		Expect(cb.Forced()).To(BeTrue())
	})

	It("should stop when the context is cancelled", func() {
		start()
		Eventually(pings).Should(Equal(1))

		cancel()
		Eventually(done).Should(BeClosed())
	})
})

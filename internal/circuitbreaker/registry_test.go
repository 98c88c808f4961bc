package circuitbreaker_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var registry *circuitbreaker.Registry

	BeforeEach(func() {
		var err error
		registry, err = circuitbreaker.NewRegistry(5, 30*time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewRegistry", func() {
		It("should reject an invalid threshold", func() {
			_, err := circuitbreaker.NewRegistry(0, time.Second)
			Expect(apperr.Is(err, apperr.KindConfiguration)).To(BeTrue())
		})
	})

	Describe("GetBreaker", func() {
		It("should create a closed breaker for an unknown name", func() {
			cb, err := registry.GetBreaker("queue")
			Expect(err).NotTo(HaveOccurred())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should return the same breaker for the same name", func() {
			cb1, _ := registry.GetBreaker("queue")
			cb2, _ := registry.GetBreaker("queue")
			Expect(cb1).To(BeIdenticalTo(cb2))
		})

		It("should return different breakers for different names", func() {
			cb1, _ := registry.GetBreaker("queue")
			cb2, _ := registry.GetBreaker("workflow")
			Expect(cb1).NotTo(BeIdenticalTo(cb2))
		})

		It("should use the registry threshold for new breakers", func() {
			registry, err := circuitbreaker.NewRegistry(2, time.Second, circuitbreaker.WithVolumeThreshold(2))
			Expect(err).NotTo(HaveOccurred())
			cb, _ := registry.GetBreaker("queue")

			cb.Execute(context.Background(), fail, nil)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			cb.Execute(context.Background(), fail, nil)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Describe("Register", func() {
		It("should refuse a duplicate name", func() {
			cb, err := circuitbreaker.New("queue", 1, time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.Register(cb)).To(Succeed())
			got, ok := registry.Get("queue")
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(cb))

			err = registry.Register(cb)
			Expect(apperr.Is(err, apperr.KindConflict)).To(BeTrue())
		})
	})

	Describe("Subscribe", func() {
		It("should attach the listener to existing and future breakers", func() {
			rec := &recorder{}
			existing, _ := registry.GetBreaker("queue")
			registry.Subscribe(rec.listen)
			future, _ := registry.GetBreaker("workflow")

			existing.Execute(context.Background(), succeed, nil)
			future.Execute(context.Background(), succeed, nil)

			Expect(rec.types()).To(HaveLen(2))
		})
	})

	Describe("Stats", func() {
		It("should snapshot every breaker", func() {
			cb, _ := registry.GetBreaker("external")
			cb.ForceOpen("test")
			_, _ = registry.GetBreaker("queue")

			stats := registry.Stats()
			Expect(stats).To(HaveLen(2))
			Expect(stats["external"].State).To(Equal(circuitbreaker.StateOpen))
			Expect(stats["external"].Forced).To(BeTrue())
			Expect(stats["queue"].State).To(Equal(circuitbreaker.StateClosed))
			Expect(registry.Names()).To(Equal([]string{"external", "queue"}))
		})
	})

	Describe("Reset", func() {
		It("should drop every breaker", func() {
			_, _ = registry.GetBreaker("queue")
			registry.Reset()
			Expect(registry.Names()).To(BeEmpty())
		})
	})

	Describe("Concurrent access", func() {
		It("should create exactly one breaker per name", func() {
			const goroutines = 50

			var wg sync.WaitGroup
			wg.Add(goroutines)
			got := make([]*circuitbreaker.CircuitBreaker, goroutines)

			for i := 0; i < goroutines; i++ {
				go func(id int) {
					defer GinkgoRecover()
					defer wg.Done()
					cb, err := registry.GetBreaker(fmt.Sprintf("backend-%d", id%5))
					Expect(err).NotTo(HaveOccurred())
					got[id] = cb
				}(i)
			}
			wg.Wait()

			Expect(registry.Names()).To(HaveLen(5))
			for i := 5; i < goroutines; i++ {
				Expect(got[i]).To(BeIdenticalTo(got[i%5]))
			}
		})
	})
})

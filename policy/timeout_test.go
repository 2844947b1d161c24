package policy_test

import (
	"testing/quick"
	"time"

	"github.com/renproject/feed/policy"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Timeout", func() {
	Context("when using a constant timeout", func() {
		It("should return the same duration for every attempt", func() {
			timeout := policy.ConstantTimeout(time.Second)
			f := func(attempt uint16) bool {
				return timeout(int(attempt)) == time.Second
			}
			Expect(quick.Check(f, nil)).To(Succeed())
		})
	})

	Context("when clamping a timeout", func() {
		It("should never exceed the maximum", func() {
			timeout := policy.MaxTimeout(10*time.Second, policy.LinearBackoff(2.0, policy.ConstantTimeout(time.Second)))
			Expect(timeout(1)).To(Equal(2 * time.Second))
			Expect(timeout(4)).To(Equal(8 * time.Second))
			Expect(timeout(5)).To(Equal(10 * time.Second))
			Expect(timeout(100)).To(Equal(10 * time.Second))
		})
	})

	Context("when backing off linearly", func() {
		It("should grow by the base timeout with every attempt", func() {
			timeout := policy.LinearBackoff(1, policy.ConstantTimeout(10*time.Second))
			Expect(timeout(1)).To(Equal(10 * time.Second))
			Expect(timeout(2)).To(Equal(20 * time.Second))
			Expect(timeout(3)).To(Equal(30 * time.Second))
		})
	})

	Context("when backing off exponentially", func() {
		It("should grow with every attempt", func() {
			timeout := policy.ExponentialBackoff(2.0, policy.ConstantTimeout(100*time.Millisecond))
			Expect(timeout(1)).To(Equal(200 * time.Millisecond))
			Expect(timeout(2)).To(Equal(400 * time.Millisecond))
			Expect(timeout(3)).To(Equal(800 * time.Millisecond))
		})
	})
})

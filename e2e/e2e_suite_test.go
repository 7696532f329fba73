// Package e2e runs the end-to-end scenarios spec.md §8 seeds (E1-E6)
// against the real coordinator, pool hub, and chain packages wired
// together the way a single-process devnet deployment wires them.
package e2e

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "End-to-end scenario suite")
}

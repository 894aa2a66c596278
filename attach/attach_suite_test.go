package attach_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAttachSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "attach suite")
}

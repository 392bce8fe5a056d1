package registry

import (
	"testing"

	"github.com/relaygrid/virtual/virtual/kv"
)

func TestLocalRegistry(t *testing.T) {
	testAllCommon(t, func() Registry {
		return NewLocalRegistry()
	})
}

func TestKVRegistry(t *testing.T) {
	testAllCommon(t, func() Registry {
		return NewKVRegistry(kv.NewMemStore())
	})
}

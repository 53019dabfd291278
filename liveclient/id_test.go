package liveclient

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestRequestIdOrder(t *testing.T) {
	// ulids are ordered by create time. request ids from one client sort
	// in issue order, which keeps correlation logs greppable.
	a := NewRequestId()
	for i := 0; i < 1024; i += 1 {
		b := NewRequestId()
		assert.Equal(t, true, a < b)
		a = b
	}
}

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	assert.Equal(t, 16, len(id.Bytes()))
	assert.Equal(t, 26, len(id.String()))
}

package failure

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker(start time.Time) (*Tracker, *time.Time) {
	clock := start
	tr := NewTracker()
	tr.now = func() time.Time { return clock }
	return tr, &clock
}

func TestBackoff_Empty(t *testing.T) {
	tr, _ := newTestTracker(time.Now())
	assert.Equal(t, time.Second, tr.Backoff())
}

func TestBackoff_ExponentialSequence(t *testing.T) {
	// Server closure storm: backoff at the Nth closure is 1,2,4,8,16s.
	tr, clock := newTestTracker(time.Now())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expected := range want {
		tr.RecordServerClosure()
		assert.Equal(t, expected, tr.Backoff(), "closure %d", i+1)
		*clock = clock.Add(9 * time.Second) // 5 closures within 45s
	}
}

func TestBackoff_Ceiling(t *testing.T) {
	tr, _ := newTestTracker(time.Now())
	for i := 0; i < 20; i++ {
		tr.RecordNetworkError()
	}
	assert.Equal(t, 30*time.Second, tr.Backoff())
}

func TestWindowEviction(t *testing.T) {
	tr, clock := newTestTracker(time.Now())

	tr.RecordServerClosure()
	tr.RecordServerClosure()
	assert.Equal(t, 2, tr.ServerClosureCount())

	*clock = clock.Add(61 * time.Second)
	assert.Equal(t, 0, tr.ServerClosureCount())
	assert.Equal(t, time.Second, tr.Backoff())
}

func TestShouldStopReconnecting(t *testing.T) {
	tr, _ := newTestTracker(time.Now())

	for i := 0; i < 3; i++ {
		tr.RecordServerClosure()
	}
	assert.False(t, tr.ShouldStopReconnecting())

	tr.RecordServerClosure()
	assert.True(t, tr.ShouldStopReconnecting())
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker(time.Now())
	tr.RecordServerClosure()
	tr.RecordNetworkError()

	tr.Reset()
	assert.Equal(t, 0, tr.ServerClosureCount())
	assert.Equal(t, time.Second, tr.Backoff())
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"econnrefused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"ehostunreach", syscall.EHOSTUNREACH, true},
		{"enetunreach", fmt.Errorf("dial: %w", syscall.ENETUNREACH), true},
		{"etimedout", syscall.ETIMEDOUT, true},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "relay", IsNotFound: true}, true},
		{"dns temporary", &net.DNSError{Err: "server misbehaving", Name: "relay", IsTemporary: true}, true},
		{"text token", errors.New("getaddrinfo EAI_AGAIN relay.example"), true},
		{"plain error", errors.New("some application error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNetworkError(tt.err))
		})
	}
}

func TestIsHostNotFound(t *testing.T) {
	assert.True(t, IsHostNotFound(&net.DNSError{Err: "no such host", IsNotFound: true}))
	assert.True(t, IsHostNotFound(errors.New("getaddrinfo ENOTFOUND relay")))
	assert.False(t, IsHostNotFound(syscall.ECONNREFUSED))
	assert.False(t, IsHostNotFound(nil))
}

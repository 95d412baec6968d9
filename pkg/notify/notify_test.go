package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		want    Event
		wantErr bool
	}{
		{"tx", "TX:42", Event{Kind: model.KindNode, ID: 42}, false},
		{"acl", "ACL:7", Event{Kind: model.KindAcl, ID: 7}, false},
		{"unknown topic", "CONTENT:1", Event{}, true},
		{"not a number", "TX:abc", Event{}, true},
		{"zero id", "TX:0", Event{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decode([]byte(tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decode(%q) error = %v, wantErr %v", tt.msg, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadMessage) {
				t.Errorf("error %v is not ErrBadMessage", err)
			}
			if got != tt.want {
				t.Errorf("decode(%q) = %+v, want %+v", tt.msg, got, tt.want)
			}
		})
	}

	if _, err := encode(Event{Kind: "edge", ID: 1}); !errors.Is(err, ErrBadMessage) {
		t.Errorf("encode of unknown kind: %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	addr := "inproc://notify-test"
	pubr, err := NewPublisher(addr, nil)
	require.NoError(t, err)
	defer pubr.Close()

	subr, err := NewSubscriber(addr, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Event
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- subr.Run(ctx, func(ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	hook := pubr.Hook()
	// pub/sub drops messages until the subscriber is connected
	require.Eventually(t, func() bool {
		hook(model.KindAcl, 3)
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, Event{Kind: model.KindAcl, ID: 3}, got[0])
	mu.Unlock()

	cancel()
	require.NoError(t, subr.Close())
	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not exit")
	}
}

package notify

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wipeengine/internal/wipe"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []wipe.ProgressEvent
	failOn string
}

func (r *recordingPublisher) Publish(_ context.Context, ev wipe.ProgressEvent) error {
	if ev.Identifier == r.failOn {
		return cerr.New("broker unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestForwardSkipsFailedDeliveries(t *testing.T) {
	jobID := uuid.New()
	events := make(chan wipe.ProgressEvent, 3)
	events <- wipe.ProgressEvent{JobID: jobID, Identifier: "/a", Status: wipe.StatusInProgress}
	events <- wipe.ProgressEvent{JobID: jobID, Identifier: "/broken", Status: wipe.StatusInProgress}
	events <- wipe.ProgressEvent{JobID: jobID, Identifier: "/a", Status: wipe.StatusVerified}
	close(events)

	pub := &recordingPublisher{failOn: "/broken"}
	delivered := Forward(context.Background(), pub, events, zap.NewNop())

	assert.Equal(t, 2, delivered)
	require.Len(t, pub.events, 2)
	assert.Equal(t, wipe.StatusVerified, pub.events[1].Status)
}

func TestNewRedisPublisherRequiresAddr(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), "", "")
	assert.Error(t, err)
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("WIPEENGINE_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("WIPEENGINE_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := NewRedisPublisher(ctx, addr, "wipeengine:test:"+uuid.NewString())
	require.NoError(t, err)
	defer pub.Close()

	sub := pub.Subscribe(ctx)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	ev := wipe.ProgressEvent{JobID: uuid.New(), Identifier: "/data/a.img", Pass: 2, PassesTotal: 3, BytesDone: 4096, Status: wipe.StatusInProgress}
	require.NoError(t, pub.Publish(ctx, ev))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got wipe.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, ev.JobID, got.JobID)
	assert.Equal(t, ev.BytesDone, got.BytesDone)
}

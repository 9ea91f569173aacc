package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"k8s.io/utils/clock"
)

// Requester implements request/response over a Bus. Each request carries a
// correlation id; the matching response is delivered to a channel that is
// removed as soon as the request returns.
type Requester struct {
	bus      Bus
	request  Topic
	response Topic
	clock    clock.Clock

	pending cmap.ConcurrentMap[string, chan Event]
	sub     Subscription
}

// NewRequester subscribes to the response topic and returns a Requester.
// Close releases the subscription.
func NewRequester(b Bus, request, response Topic, c clock.Clock) *Requester {
	if c == nil {
		c = clock.RealClock{}
	}
	r := &Requester{
		bus:      b,
		request:  request,
		response: response,
		clock:    c,
		pending:  cmap.New[chan Event](),
	}
	r.sub = b.Subscribe(response, r.onResponse)
	return r
}

// Request publishes e on the request topic and waits up to timeout for the
// correlated response.
func (r *Requester) Request(ctx context.Context, e Event, timeout time.Duration) (Event, error) {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	e.Topic = r.request

	ch := make(chan Event, 1)
	r.pending.Set(e.CorrelationID, ch)
	defer r.pending.Remove(e.CorrelationID)

	if err := r.bus.Publish(ctx, e); err != nil {
		return Event{}, err
	}

	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C():
		return Event{}, ErrTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Pending returns the number of requests waiting for a response.
func (r *Requester) Pending() int {
	return r.pending.Count()
}

// Close stops listening for responses.
func (r *Requester) Close() {
	r.sub.Unsubscribe()
}

func (r *Requester) onResponse(_ context.Context, e Event) {
	if e.CorrelationID == "" {
		return
	}
	ch, ok := r.pending.Pop(e.CorrelationID)
	if !ok {
		return
	}
	ch <- e
}

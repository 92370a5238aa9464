package client_test

import (
	"errors"
	"testing"
	"time"

	"github.com/snehjoshi/epochbus/internal/types"
	"github.com/snehjoshi/epochbus/pkg/client"
)

type invoice struct{ Number int }

func TestDispatcher_RoutesByPayloadType(t *testing.T) {
	c := newTestEnv(t)
	d := client.NewDispatcher()
	client.Register(d, mustSender[order](t, c, "orders"))
	client.Register(d, mustSender[orderReply](t, c, "replies"))

	if err := client.Dispatch(ctxT(t), d, order{ID: "o1"}, client.DispatchOptions{}); err != nil {
		t.Fatalf("Dispatch(order): %v", err)
	}
	if err := client.Dispatch(ctxT(t), d, orderReply{RequestID: "r1"}, client.DispatchOptions{
		CorrelationID: "r1",
		TimeToLive:    types.TTL(time.Minute),
	}); err != nil {
		t.Fatalf("Dispatch(orderReply): %v", err)
	}

	orders := mustReceiver[order](t, c, "orders", client.ReceiverOptions{})
	if m, ok, err := orders.PeekMessage(0); err != nil || !ok || m.Payload.ID != "o1" {
		t.Errorf("orders head = %+v, %v, %v", m, ok, err)
	}
	replies := mustReceiver[orderReply](t, c, "replies", client.ReceiverOptions{})
	m, ok, err := replies.PeekMessage(0)
	if err != nil || !ok {
		t.Fatalf("replies PeekMessage: %v %v", ok, err)
	}
	if m.CorrelationID != "r1" || m.TimeToLive == nil || *m.TimeToLive != time.Minute {
		t.Errorf("reply message = %+v", m)
	}
}

func TestDispatcher_Scheduled(t *testing.T) {
	c := newTestEnv(t)
	d := client.NewDispatcher()
	client.Register(d, mustSender[order](t, c, "orders"))

	seq, err := client.DispatchScheduled(ctxT(t), d, order{ID: "later"}, time.Now().Add(time.Hour), client.DispatchOptions{})
	if err != nil {
		t.Fatalf("DispatchScheduled: %v", err)
	}
	if err := client.CancelDispatched[order](d, seq); err != nil {
		t.Fatalf("CancelDispatched: %v", err)
	}
	if err := client.CancelDispatched[order](d, seq); err == nil {
		t.Error("second cancel should fail")
	}
}

func TestDispatcher_UnregisteredType(t *testing.T) {
	d := client.NewDispatcher()
	if err := client.Dispatch(ctxT(t), d, invoice{Number: 1}, client.DispatchOptions{}); !errors.Is(err, client.ErrNoSender) {
		t.Errorf("Dispatch: want ErrNoSender, got %v", err)
	}
	if _, err := client.DispatchScheduled(ctxT(t), d, invoice{}, time.Now(), client.DispatchOptions{}); !errors.Is(err, client.ErrNoSender) {
		t.Errorf("DispatchScheduled: want ErrNoSender, got %v", err)
	}
	if err := client.CancelDispatched[invoice](d, 0); !errors.Is(err, client.ErrNoSender) {
		t.Errorf("CancelDispatched: want ErrNoSender, got %v", err)
	}
}

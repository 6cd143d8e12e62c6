package pubsub

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type recorder struct {
	id  string
	mu  sync.Mutex
	got []string
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(channel string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, channel+":"+string(payload))
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPublishOrder(t *testing.T) {
	h := NewHub()
	a, b := &recorder{id: "a"}, &recorder{id: "b"}

	if !h.Subscribe("c", a) {
		t.Fatal("first subscribe should report a new subscription")
	}
	if h.Subscribe("c", a) {
		t.Fatal("repeated subscribe should not report a new subscription")
	}
	h.Subscribe("c", b)

	var want []string
	for i := 0; i < 20; i++ {
		if n := h.Publish("c", []byte(fmt.Sprint(i))); n != 2 {
			t.Fatalf("publish reached %d subscribers, want 2", n)
		}
		want = append(want, fmt.Sprintf("c:%d", i))
	}

	for _, r := range []*recorder{a, b} {
		if got := r.messages(); !reflect.DeepEqual(got, want) {
			t.Errorf("%s received %v, want %v", r.id, got, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub()
	a := &recorder{id: "a"}
	h.Subscribe("x", a)
	h.Subscribe("y", a)

	if !h.Unsubscribe("x", "a") {
		t.Error("unsubscribe of a subscribed channel should return true")
	}
	if h.Unsubscribe("x", "a") {
		t.Error("second unsubscribe should return false")
	}
	if h.Publish("x", []byte("lost")) != 0 {
		t.Error("channel without subscribers should deliver nothing")
	}

	if got := h.UnsubscribeAll("a"); !reflect.DeepEqual(got, []string{"y"}) {
		t.Errorf("UnsubscribeAll = %v, want [y]", got)
	}
	if h.Channels() != 0 {
		t.Errorf("empty channels should be removed, %d left", h.Channels())
	}
}

func TestFieldRegistry(t *testing.T) {
	r := NewFieldRegistry()

	r.Add("conn1", "todo", []string{"done", "owner"})
	r.Add("conn2", "todo", []string{"done"})
	if got := r.Get("todo"); !reflect.DeepEqual(got, []string{"done", "owner"}) {
		t.Fatalf("Get = %v", got)
	}

	// conn2 still needs done
	if got := r.Remove("conn1", "todo", []string{"done", "owner"}); !reflect.DeepEqual(got, []string{"done"}) {
		t.Errorf("after conn1 removal = %v, want [done]", got)
	}

	r.Add("conn2", "todo", []string{"title"})
	r.RemoveOwner("conn2")
	if got := r.Get("todo"); len(got) != 0 {
		t.Errorf("after RemoveOwner = %v, want empty", got)
	}
}

func TestFieldRegistryRefcount(t *testing.T) {
	r := NewFieldRegistry()
	r.Add("c", "todo", []string{"done"})
	r.Add("c", "todo", []string{"done"})
	r.Remove("c", "todo", []string{"done"})
	if got := r.Get("todo"); !reflect.DeepEqual(got, []string{"done"}) {
		t.Errorf("field should stay while one registration remains, got %v", got)
	}
	r.Remove("c", "todo", []string{"done"})
	if got := r.Get("todo"); len(got) != 0 {
		t.Errorf("field should be gone, got %v", got)
	}
}

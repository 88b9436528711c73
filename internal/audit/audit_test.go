package audit

import (
	"context"
	"errors"
	"testing"
)

type recordSink struct {
	entries []Entry
	err     error
}

func (r *recordSink) Log(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordSink{}, &recordSink{err: errors.New("down")}
	err := Multi{a, nil, b}.Log(context.Background(), Entry{Owner: "alice", Message: "hi"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(a.entries) != 1 || len(b.entries) != 1 {
		t.Fatalf("entries not delivered to every sink")
	}
	if a.entries[0].Time.IsZero() {
		t.Fatalf("time not stamped")
	}
}

func TestSubject(t *testing.T) {
	cases := map[string]string{
		"alice":      "knot.audit.alice",
		"a.b":        "knot.audit.a_b",
		"":           "knot.audit._system",
		"x*y>z":      "knot.audit.x_y_z",
		"first last": "knot.audit.first_last",
	}
	for owner, want := range cases {
		if got := Subject("knot.audit", owner); got != want {
			t.Errorf("%q: got %q want %q", owner, got, want)
		}
	}
}

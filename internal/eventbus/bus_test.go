package eventbus

import "testing"

func TestPublishFansOutAndDrops(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: UploadStarted})
	b.Publish(Event{Type: UploadDone})

	if e := <-a; e.Type != UploadStarted || e.Time.IsZero() {
		t.Fatalf("subscriber a got %+v", e)
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	if e1, e2 := <-c, <-c; e1.Type != UploadStarted || e2.Type != UploadDone {
		t.Fatalf("subscriber c got %q, %q", e1.Type, e2.Type)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: UploadArticle})
}

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	files, unsub := b.Subscribe(4, UploadFile, UploadDone)
	defer unsub()

	for _, typ := range []string{UploadStarted, UploadFile, UploadArticle, UploadDone} {
		b.Publish(Event{Type: typ})
	}
	if e1, e2 := <-files, <-files; e1.Type != UploadFile || e2.Type != UploadDone {
		t.Fatalf("filtered subscriber got %q, %q", e1.Type, e2.Type)
	}
	select {
	case e := <-files:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
	if got := b.Dropped(); got != 0 {
		t.Fatalf("Dropped = %d, filtered events must not count", got)
	}
}

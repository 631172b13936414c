package consumer

import "testing"

func TestMultiWriter_WritesToAll(t *testing.T) {
	primary := &mockWriter{}
	secondary := &mockWriter{}
	mw := NewMultiWriter(primary, secondary)

	event := newTestEvent(false)
	if err := mw.Write(event); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if got := primary.count(); got != 1 {
		t.Errorf("primary events = %d, want 1", got)
	}
	if got := secondary.count(); got != 1 {
		t.Errorf("secondary events = %d, want 1", got)
	}
}

func TestMultiWriter_PrimaryErrorReturned(t *testing.T) {
	primary := &mockWriter{failWr: true}
	secondary := &mockWriter{}
	mw := NewMultiWriter(primary, secondary)

	err := mw.Write(newTestEvent(false))
	if err == nil {
		t.Fatal("Write() error = nil, want primary failure")
	}
	if got := secondary.count(); got != 1 {
		t.Errorf("secondary events = %d, want 1 (secondary still written on primary failure)", got)
	}
}

func TestMultiWriter_SecondaryErrorSwallowed(t *testing.T) {
	primary := &mockWriter{}
	secondary := &mockWriter{failWr: true}
	mw := NewMultiWriter(primary, secondary)

	if err := mw.Write(newTestEvent(false)); err != nil {
		t.Errorf("Write() error = %v, want nil when only a secondary fails", err)
	}
	if got := primary.count(); got != 1 {
		t.Errorf("primary events = %d, want 1", got)
	}
}

func TestMultiWriter_FlushAll(t *testing.T) {
	primary := &mockWriter{}
	secondary := &mockWriter{}
	mw := NewMultiWriter(primary, secondary)

	if err := mw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if primary.flushed == 0 {
		t.Error("primary not flushed")
	}
	if secondary.flushed == 0 {
		t.Error("secondary not flushed")
	}
}

func TestMultiWriter_NoSecondaries(t *testing.T) {
	primary := &mockWriter{}
	mw := NewMultiWriter(primary)

	if err := mw.Write(newTestEvent(true)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := mw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := primary.count(); got != 1 {
		t.Errorf("primary events = %d, want 1", got)
	}
}

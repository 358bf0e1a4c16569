package console

import "testing"

func TestPushRespectsMaxLen(t *testing.T) {
	c := New(3)
	for i := 0; i < 5; i++ {
		c.Logf("msg", i)
	}
	if c.Len() != 3 {
		t.Fatalf("expected FIFO bound of 3, got %d", c.Len())
	}
}

func TestOverflowPrecedesNextLog(t *testing.T) {
	c := New(1)
	var order []string

	c.On(EventOverflow, func(e Event) { order = append(order, "overflow") })
	c.On(EventLog, func(e Event) { order = append(order, "log") })

	c.Logf("first")
	c.Logf("second") // evicts "first", emitting overflow, then pushes+logs "second"

	want := []string{"log", "overflow", "log"}
	if len(order) != len(want) {
		t.Fatalf("got %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestOverflowCarriesEvictedMessage(t *testing.T) {
	c := New(1)
	var evicted Message
	c.On(EventOverflow, func(e Event) { evicted = e.Message })

	first := c.Logf("keep-me")
	c.Logf("second")

	if evicted.UUID != first.UUID {
		t.Fatalf("expected evicted message to be the first pushed one")
	}
}

func TestClearEmitsSnapshot(t *testing.T) {
	c := New(5)
	c.Logf("a")
	c.Logf("b")

	var snap []Message
	c.On(EventClear, func(e Event) { snap = e.Snapshot })
	c.Clear()

	if len(snap) != 2 {
		t.Fatalf("expected snapshot of 2 messages, got %d", len(snap))
	}
	if c.Len() != 0 {
		t.Fatalf("expected console to be empty after clear, got %d", c.Len())
	}
}

func TestUUIDsAreUnique(t *testing.T) {
	c := New(10)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		m := c.Logf("x")
		if seen[m.UUID] {
			t.Fatalf("duplicate uuid: %s", m.UUID)
		}
		seen[m.UUID] = true
	}
}

func TestFormatHTMLEscapesAndSpecifiers(t *testing.T) {
	c := New(5)
	m := c.Logf("user <b>%s</b> did %d things", "O'Brien", 3)
	want := "user &lt;b&gt;O&#39;Brien&lt;/b&gt; did 3 things"
	if m.HTML != want {
		t.Fatalf("got %q, want %q", m.HTML, want)
	}
}

func TestFormatHTMLNewlineToBr(t *testing.T) {
	c := New(5)
	m := c.Logf("line1\nline2")
	if m.HTML != "line1<br>line2" {
		t.Fatalf("got %q", m.HTML)
	}
}

func TestFormatHTMLCSpecifierConsumesSilently(t *testing.T) {
	c := New(5)
	m := c.Logf("color: %c", "color:red", "visible")
	if m.HTML != "color:  visible" {
		t.Fatalf("got %q", m.HTML)
	}
}

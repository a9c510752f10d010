package calltimer

import (
	"testing"
	"time"

	"github.com/zhouzirui/vera/client/internal/model/chat"
)

func TestWarningOnceAndExpiryAtLimit(t *testing.T) {
	p := NewPolicy(DefaultThresholds())
	gen := p.Start()

	var warnings, expiredAt int
	for i := 1; i <= 300; i++ {
		switch p.Tick(gen) {
		case Warning:
			warnings++
			if i != 240 {
				t.Fatalf("warning at tick %d, want 240", i)
			}
		case Expired:
			expiredAt = i
		}
		if expiredAt != 0 {
			break
		}
	}

	if warnings != 1 {
		t.Fatalf("expected exactly one warning, got %d", warnings)
	}
	if expiredAt != 300 {
		t.Fatalf("expected expiry at tick 300, got %d", expiredAt)
	}
	if got := p.State().ElapsedSeconds; got != 300 {
		t.Fatalf("expected 300 elapsed seconds, got %d", got)
	}
}

func TestStopResetsState(t *testing.T) {
	p := NewPolicy(DefaultThresholds())
	gen := p.Start()
	for i := 0; i < 245; i++ {
		p.Tick(gen)
	}

	last := p.Stop()
	if !last.Active || last.ElapsedSeconds != 245 || !last.WarningIssued {
		t.Fatalf("unexpected last state %+v", last)
	}
	if got := p.State(); got != (chat.CallState{}) {
		t.Fatalf("expected zero state after stop, got %+v", got)
	}

	p.Stop()
	if got := p.State(); got != (chat.CallState{}) {
		t.Fatalf("double stop must stay zero, got %+v", got)
	}
}

func TestNoCarryOverBetweenCalls(t *testing.T) {
	p := NewPolicy(DefaultThresholds())
	first := p.Start()
	for i := 0; i < 250; i++ {
		p.Tick(first)
	}
	p.Stop()

	second := p.Start()
	if p.Tick(first) != None {
		t.Fatal("stale generation tick must be ignored")
	}
	if p.State().ElapsedSeconds != 0 {
		t.Fatalf("stale tick advanced the new call: %+v", p.State())
	}

	for i := 1; i <= 240; i++ {
		sig := p.Tick(second)
		if i < 240 && sig != None {
			t.Fatalf("unexpected %s at tick %d", sig, i)
		}
		if i == 240 && sig != Warning {
			t.Fatalf("expected fresh warning at 240, got %s", sig)
		}
	}
}

func TestTicksIgnoredWhenDisarmed(t *testing.T) {
	p := NewPolicy(Thresholds{})
	if p.Tick(p.Generation()) != None || p.State().Active {
		t.Fatal("disarmed policy must ignore ticks")
	}
	if p.Remaining() != 0 {
		t.Fatal("disarmed policy has no remaining time")
	}
}

func TestCustomThresholds(t *testing.T) {
	p := NewPolicy(Thresholds{Interval: 500 * time.Millisecond, Warning: time.Second, Limit: 2 * time.Second})
	gen := p.Start()

	want := []Signal{None, Warning, None, Expired}
	for i, w := range want {
		if got := p.Tick(gen); got != w {
			t.Fatalf("tick %d: expected %s, got %s", i+1, w, got)
		}
	}
}

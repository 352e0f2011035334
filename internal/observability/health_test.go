package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthMonitor_RegisterAndCheck(t *testing.T) {
	mon := NewHealthMonitor(time.Second)

	mon.Register("store", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusHealthy, Message: "connected"}
	})
	mon.Register("venue:jupiter-jito", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusHealthy}
	})

	health := mon.Check(context.Background())

	assert.Equal(t, StatusHealthy, health.Status)
	assert.Len(t, health.Components, 2)

	st, ok := health.Components["store"]
	assert.True(t, ok)
	assert.Equal(t, "store", st.Name)
	assert.Equal(t, "connected", st.Message)
	assert.False(t, st.LastChecked.IsZero())

	comp, ok := mon.ComponentStatus("store")
	assert.True(t, ok)
	assert.Equal(t, StatusHealthy, comp.Status)

	_, ok = mon.ComponentStatus("nonexistent")
	assert.False(t, ok)
}

func TestHealthMonitor_AggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ComponentStatus
		expected ComponentStatus
	}{
		{"all healthy", []ComponentStatus{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []ComponentStatus{StatusHealthy, StatusDegraded, StatusHealthy}, StatusDegraded},
		{"one unhealthy", []ComponentStatus{StatusHealthy, StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := NewHealthMonitor(time.Minute)
			for i, s := range tt.statuses {
				status := s
				mon.Register(string(rune('a'+i)), func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: status}
				})
			}
			health := mon.Check(context.Background())
			assert.Equal(t, tt.expected, health.Status)
			assert.True(t, health.Uptime > 0)
		})
	}
}

func TestHealthMonitor_Report(t *testing.T) {
	mon := NewHealthMonitor(time.Minute)
	mon.Register("store", PingCheck(func(context.Context) error { return nil }))

	mon.Report("market", StatusHealthy, "")
	drainAlert(t, mon.Alerts())

	mon.Report("market", StatusDegraded, "gap: reconnect")
	alert := drainAlert(t, mon.Alerts())
	assert.Equal(t, "warn", alert.Level)
	assert.Equal(t, "market", alert.Component)
	assert.Equal(t, "gap: reconnect", alert.Message)

	// Same status again: no alert.
	mon.Report("market", StatusDegraded, "gap: reconnect")
	select {
	case a := <-mon.Alerts():
		t.Fatalf("unexpected alert %+v", a)
	default:
	}

	health := mon.Check(context.Background())
	assert.Equal(t, StatusDegraded, health.Status, "reported components count toward the aggregate")
	assert.Len(t, health.Components, 2)

	comp, ok := mon.ComponentStatus("market")
	assert.True(t, ok)
	assert.Equal(t, StatusDegraded, comp.Status)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingCheck(func(context.Context) error { return errors.New("connection refused") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "connection refused", bad.Message)
}

func TestHealthMonitor_Alerts(t *testing.T) {
	mon := NewHealthMonitor(time.Minute)

	callCount := 0
	mon.Register("store", func(ctx context.Context) ComponentHealth {
		callCount++
		if callCount == 1 {
			return ComponentHealth{Status: StatusHealthy, Message: "ok"}
		}
		return ComponentHealth{Status: StatusUnhealthy, Message: "connection lost"}
	})

	ctx := context.Background()

	mon.Check(ctx)
	alert := drainAlert(t, mon.Alerts())
	assert.Equal(t, "info", alert.Level)

	mon.Check(ctx)
	alert = drainAlert(t, mon.Alerts())
	assert.Equal(t, "critical", alert.Level)
	assert.Contains(t, alert.Message, "connection lost")
}

func TestHealthMonitor_StartStop(t *testing.T) {
	mon := NewHealthMonitor(20 * time.Millisecond)

	var mu sync.Mutex
	checkCount := 0
	mon.Register("ticker", func(ctx context.Context) ComponentHealth {
		mu.Lock()
		checkCount++
		mu.Unlock()
		return ComponentHealth{Status: StatusHealthy}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Start(ctx)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return checkCount >= 2
	}, time.Second, 5*time.Millisecond)
	mon.Stop()
}

// drainAlert reads one alert with a timeout.
func drainAlert(t *testing.T, ch <-chan Alert) Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert")
		return Alert{}
	}
}

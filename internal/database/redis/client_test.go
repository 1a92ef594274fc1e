package redis

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/bardlex/poolcore/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "test", "error", "json", log.WithOutput(io.Discard))
}

func TestAverageSamples(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []string{"1:100"}, 100},
		{"equal rates kept apart", []string{"1:100", "2:100", "3:400"}, 200},
		{"malformed skipped", []string{"garbage", "1:x", "y:5", "4:50"}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageSamples(tt.values); got != tt.want {
				t.Errorf("averageSamples() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	if got := hashrateKey("bc1q", "rig"); got != "hashrate:bc1q:rig" {
		t.Errorf("hashrateKey = %q", got)
	}
	if got := difficultyKey("bc1q"); got != "difficulty:bc1q" {
		t.Errorf("difficultyKey = %q", got)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	c := &Client{samples: make(chan sample, 2)}
	r := c.Recorder()

	r.WorkerHashrate("rig", "addr", 1)
	r.PoolHashrate(2)
	r.WorkerHashrate("rig", "addr", 3)

	if len(c.samples) != 2 {
		t.Fatalf("queued = %d, want 2", len(c.samples))
	}
	first := <-c.samples
	if first.worker != "rig" || first.address != "addr" || first.hashrate != 1 {
		t.Errorf("first = %+v", first)
	}
	second := <-c.samples
	if second.worker != poolWorkerName {
		t.Errorf("second = %+v", second)
	}
}

// TestClient_Live runs against a real server when REDIS_TEST_URL is set.
func TestClient_Live(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	c, err := NewClient(ctx, &Config{URL: url, Window: time.Minute}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	address := "test-" + time.Now().Format("150405.000000")
	if _, ok, err := c.LoadDifficulty(ctx, address, "rig"); err != nil || ok {
		t.Fatalf("LoadDifficulty() on empty = %v, %v", ok, err)
	}
	if err := c.SaveDifficulty(ctx, address, "rig", 4096); err != nil {
		t.Fatal(err)
	}
	d, ok, err := c.LoadDifficulty(ctx, address, "rig")
	if err != nil || !ok || d != 4096 {
		t.Fatalf("LoadDifficulty() = %v, %v, %v", d, ok, err)
	}

	for _, rate := range []float64{100, 100, 400} {
		if err := c.SetHashrate(ctx, address, "rig", rate); err != nil {
			t.Fatal(err)
		}
	}
	avg, err := c.AverageHashrate(ctx, address, "rig")
	if err != nil || avg != 200 {
		t.Errorf("AverageHashrate() = %v, %v, want 200", avg, err)
	}
}

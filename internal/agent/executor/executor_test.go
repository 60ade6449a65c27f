package executor

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestLeibnizConverges(t *testing.T) {
	v, err := Leibniz(context.Background(), 1_000_000)
	if err != nil {
		t.Fatalf("leibniz: %v", err)
	}
	if math.Abs(v-math.Pi) > 1e-5 {
		t.Fatalf("pi = %v, too far from %v", v, math.Pi)
	}
}

func TestLeibnizHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Leibniz(ctx, 1_000_000_000); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPiUsesTermRange(t *testing.T) {
	p := &Pi{MinTerms: 1000, MaxTerms: 2000}
	v, err := p.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	f, ok := v.(float64)
	if !ok || math.Abs(f-math.Pi) > 1e-2 {
		t.Fatalf("unexpected result %v", v)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ridepool/internal/models"
)

// fakeProjection implements Projection for tests
type fakeProjection struct {
	failLast  int // number of times to fail LastSeq before succeeding
	failApply int // number of times to fail Apply before succeeding
	lastCalls int
	apply     []int64
	applyErrs int
	last      map[string]int64
}

func (f *fakeProjection) LastSeq(ctx context.Context, poolID string) (int64, error) {
	f.lastCalls++
	if f.lastCalls <= f.failLast {
		return 0, errors.New("hget fail")
	}
	return f.last[poolID], nil
}

func (f *fakeProjection) Apply(ctx context.Context, rec models.AllocationRecord) error {
	if f.applyErrs < f.failApply {
		f.applyErrs++
		return errors.New("exec fail")
	}
	if f.last == nil {
		f.last = map[string]int64{}
	}
	f.last[rec.PoolID] = rec.Seq
	f.apply = append(f.apply, rec.Seq)
	return nil
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeProjection{failLast: 1, failApply: 1}
	rec := models.AllocationRecord{Seq: 1, PoolID: "p1", RiderID: "alice", Decision: models.StatusConfirmed}
	start := time.Now()
	applied, err := applyWithRetry(context.Background(), f, rec, 3, 10*time.Millisecond)
	if err != nil || !applied {
		t.Fatalf("expected success, got applied=%v err=%v", applied, err)
	}
	if f.lastCalls < 3 {
		t.Fatalf("expected retries, got %d LastSeq calls", f.lastCalls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeProjection{failApply: 5}
	rec := models.AllocationRecord{Seq: 1, PoolID: "p1"}
	if _, err := applyWithRetry(context.Background(), f, rec, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestApplyWithRetry_SkipsRedelivery(t *testing.T) {
	f := &fakeProjection{last: map[string]int64{"p1": 7}}
	applied, err := applyWithRetry(context.Background(), f, models.AllocationRecord{Seq: 7, PoolID: "p1"}, 3, time.Millisecond)
	if err != nil || applied {
		t.Fatalf("expected skip, got applied=%v err=%v", applied, err)
	}
	if len(f.apply) != 0 {
		t.Fatalf("duplicate record applied")
	}
}

type sliceReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeAppliesEachRecordOnce(t *testing.T) {
	msg := func(seq int64, d models.RequestStatus) kafka.Message {
		b, _ := json.Marshal(models.AllocationRecord{Seq: seq, PoolID: "p1", RiderID: "alice", Decision: d})
		return kafka.Message{Key: []byte("p1"), Value: b}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		msg(1, models.StatusConfirmed),
		msg(1, models.StatusConfirmed),
		{Value: []byte("not json")},
		msg(2, models.StatusCancelled),
	}}
	f := &fakeProjection{}
	consume(ctx, r, f, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if len(f.apply) != 2 || f.apply[0] != 1 || f.apply[1] != 2 {
		t.Fatalf("expected seqs [1 2] applied once, got %v", f.apply)
	}
}

package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

type fakeStore struct {
	used  int64
	reset time.Time
	err   error
}

func (s *fakeStore) Increment(context.Context, string, time.Duration) (domain.Usage, error) {
	if s.err != nil {
		return domain.Usage{}, s.err
	}
	s.used++
	return domain.NewUsage(s.used, s.reset), nil
}

func (s *fakeStore) Decrement(context.Context, string) error { return nil }
func (s *fakeStore) Reset(context.Context, string) error     { return nil }
func (s *fakeStore) Close() error                            { return nil }

func TestService_Decide_ErrorsWhenNoStore(t *testing.T) {
	svc := Service{}
	_, err := svc.Decide(context.Background(), "k", 10, time.Minute)
	if !errors.Is(err, domain.ErrMissingClient) {
		t.Fatalf("expected ErrMissingClient, got %v", err)
	}
}

func TestService_Decide_AllowsUpToLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &fakeStore{reset: now.Add(time.Minute)}
	svc := Service{Store: store, Now: func() time.Time { return now }}

	for want := int64(1); want >= 0; want-- {
		dec, err := svc.Decide(context.Background(), "k", 2, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("expected allowed")
		}
		if dec.Usage.Remaining != want {
			t.Fatalf("expected remaining=%d, got %d", want, dec.Usage.Remaining)
		}
		if dec.Usage.Limit != 2 {
			t.Fatalf("expected limit=2, got %d", dec.Usage.Limit)
		}
		if dec.RetryAfter != 0 {
			t.Fatalf("expected RetryAfter=0 when allowed, got %s", dec.RetryAfter)
		}
	}
}

func TestService_Decide_BlocksWithRetryAfterRoundedUp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &fakeStore{used: 2, reset: now.Add(2500 * time.Millisecond)}
	svc := Service{Store: store, Now: func() time.Time { return now }}

	dec, err := svc.Decide(context.Background(), "k", 2, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected blocked")
	}
	if dec.Usage.Remaining != 0 {
		t.Fatalf("expected remaining=0, got %d", dec.Usage.Remaining)
	}
	if dec.RetryAfter != 3*time.Second {
		t.Fatalf("expected RetryAfter=3s, got %s", dec.RetryAfter)
	}
}

func TestService_Decide_RetryAfterNeverNegative(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &fakeStore{used: 5, reset: now.Add(-time.Second)}
	svc := Service{Store: store, Now: func() time.Time { return now }}

	dec, err := svc.Decide(context.Background(), "k", 1, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.RetryAfter != 0 {
		t.Fatalf("expected RetryAfter=0, got %s", dec.RetryAfter)
	}
}

func TestService_Decide_PropagatesStoreError(t *testing.T) {
	boom := &domain.StoreError{Backend: "fake", Op: "increment", Err: errors.New("down")}
	svc := Service{Store: &fakeStore{err: boom}}

	_, err := svc.Decide(context.Background(), "k", 1, time.Minute)
	var se *domain.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
}

package api

import (
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/7and1/volatile/breaker"
	"github.com/7and1/volatile/ratelimit"
	"github.com/7and1/volatile/secret"
)

type fakeBlacklist struct{ banned map[string]string }

func (f fakeBlacklist) IsBlacklisted(ip string) (bool, string) {
	if r, ok := f.banned[ip]; ok {
		return true, r
	}
	return false, ""
}

type fakeLimiter struct {
	allow   bool
	err     error
	brState breaker.State
}

func (f fakeLimiter) Allow(ctx context.Context, operation, ip string) (ratelimit.Decision, error) {
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	return ratelimit.Decision{Allowed: f.allow, Limit: 100}, nil
}
func (f fakeLimiter) BreakerState() breaker.State { return f.brState }

func validEncrypted() string { return base64.RawURLEncoding.EncodeToString(make([]byte, 32)) }
func validIV() string        { return base64.RawURLEncoding.EncodeToString(make([]byte, secret.IVDecodedLen)) }

func newTestService(t *testing.T) (*Service, *secret.Store) {
	t.Helper()
	store := secret.NewStore()
	var seq atomic.Int64
	idgen := func() (string, error) {
		seq.Add(1)
		return "idididid" + time.Now().Format("150405") + string(rune('a'+int(seq.Load())%26)), nil
	}
	svc := New(Deps{
		Blacklist:   fakeBlacklist{banned: map[string]string{}},
		RateLimiter: fakeLimiter{allow: true},
		Secrets:     store,
		IDGen:       idgen,
	})
	return svc, store
}

func TestService_CreateReadRoundTrip(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	enc, iv := validEncrypted(), validIV()
	cr, err := svc.Create(context.Background(), "1.2.3.4", enc, iv, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(cr.ID) < 8 {
		t.Fatalf("unexpected id %q", cr.ID)
	}

	rr, err := svc.Read(context.Background(), "1.2.3.4", cr.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rr.Encrypted != enc || rr.IV != iv {
		t.Fatalf("Read mismatch: got (%q,%q)", rr.Encrypted, rr.IV)
	}

	if _, err := svc.Read(context.Background(), "1.2.3.4", cr.ID); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("second Read: want ErrSecretNotFound, got %v", err)
	}
}

func TestService_Create_RejectsMissingFields(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	if _, err := svc.Create(context.Background(), "1.2.3.4", "", validIV(), nil); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("got %v, want ErrMissingFields", err)
	}
}

func TestService_Create_RejectsOversizedSecret(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	huge := base64.RawURLEncoding.EncodeToString(make([]byte, MaxEncryptedLen+100))
	if _, err := svc.Create(context.Background(), "1.2.3.4", huge, validIV(), nil); !errors.Is(err, ErrSecretTooLarge) {
		t.Fatalf("got %v, want ErrSecretTooLarge", err)
	}
}

func TestService_Read_InvalidIDFormat(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	if _, err := svc.Read(context.Background(), "1.2.3.4", "short"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("got %v, want ErrInvalidID", err)
	}
}

func TestService_Blacklisted_BlocksBeforeValidation(t *testing.T) {
	t.Parallel()
	store := secret.NewStore()
	svc := New(Deps{
		Blacklist:   fakeBlacklist{banned: map[string]string{"9.9.9.9": "abuse"}},
		RateLimiter: fakeLimiter{allow: true},
		Secrets:     store,
		IDGen:       func() (string, error) { return "idididididid01", nil },
	})
	if _, err := svc.Create(context.Background(), "9.9.9.9", validEncrypted(), validIV(), nil); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("got %v, want ErrBlacklisted (blacklist gate)", err)
	}
}

func TestService_RateLimited(t *testing.T) {
	t.Parallel()
	store := secret.NewStore()
	svc := New(Deps{
		Blacklist:   fakeBlacklist{banned: map[string]string{}},
		RateLimiter: fakeLimiter{allow: false},
		Secrets:     store,
		IDGen:       func() (string, error) { return "idididididid01", nil },
	})
	if _, err := svc.Create(context.Background(), "1.2.3.4", validEncrypted(), validIV(), nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestService_RateLimiterBreakerOpen_FailsServiceUnavailable(t *testing.T) {
	t.Parallel()
	store := secret.NewStore()
	svc := New(Deps{
		Blacklist:   fakeBlacklist{banned: map[string]string{}},
		RateLimiter: fakeLimiter{err: breaker.ErrOpen},
		Secrets:     store,
		IDGen:       func() (string, error) { return "idididididid01", nil },
	})
	if _, err := svc.Create(context.Background(), "1.2.3.4", validEncrypted(), validIV(), nil); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("got %v, want ErrServiceUnavailable", err)
	}
}

func TestService_ValidateNonDestructive(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	enc, iv := validEncrypted(), validIV()
	cr, err := svc.Create(context.Background(), "1.2.3.4", enc, iv, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	vr, err := svc.Validate(context.Background(), "1.2.3.4", cr.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if vr.Status != "ready" {
		t.Fatalf("Status = %q, want ready", vr.Status)
	}

	// Validate must not burn; Read should still succeed afterward.
	if _, err := svc.Read(context.Background(), "1.2.3.4", cr.ID); err != nil {
		t.Fatalf("Read after Validate: %v", err)
	}
}

func TestService_Read_ConcurrentCallsYieldExactlyOneOK(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	enc, iv := validEncrypted(), validIV()
	cr, err := svc.Create(context.Background(), "1.2.3.4", enc, iv, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 50
	var oks, misses atomic.Int64
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := svc.Read(context.Background(), "1.2.3.4", cr.ID)
			if err == nil {
				oks.Add(1)
			} else if errors.Is(err, ErrSecretNotFound) {
				misses.Add(1)
			}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	if got := oks.Load(); got != 1 {
		t.Fatalf("concurrent Read ok count = %d, want exactly 1", got)
	}
	if got := misses.Load(); got != n-1 {
		t.Fatalf("concurrent Read not-found count = %d, want %d", got, n-1)
	}
}

func TestService_Health_ReportsCounters(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	svc.Create(context.Background(), "1.2.3.4", validEncrypted(), validIV(), nil)
	svc.Create(context.Background(), "1.2.3.4", "", validIV(), nil) // fails validation

	h := svc.Health(context.Background())
	if h.Create.Attempts != 2 || h.Create.Successes != 1 || h.Create.Failures != 1 {
		t.Fatalf("Create stats = %+v, want attempts=2 successes=1 failures=1", h.Create)
	}
}
